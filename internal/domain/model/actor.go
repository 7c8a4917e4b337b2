package model

// Actor — инициатор изменения. Передаётся явно в каждый вызов сервиса,
// из него заполняются created_by, updated_by и assigned_by.
type Actor struct {
	// Subject — sub из JWT
	Subject string
	// Username — preferred_username из JWT
	Username string
}

// SystemActor — инициатор для фоновых операций.
var SystemActor = Actor{Subject: "system", Username: "system"}

// Ref возвращает значение для колонок *_by: username, иначе subject.
// Для пустого Actor возвращает nil.
func (a Actor) Ref() *string {
	switch {
	case a.Username != "":
		v := a.Username
		return &v
	case a.Subject != "":
		v := a.Subject
		return &v
	default:
		return nil
	}
}
