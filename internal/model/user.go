package model

import "strings"

// User は認証済みユーザーを表す。
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Credentials はログイン入力を表す。
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate は必須項目を検証する。
func (c Credentials) Validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(c.Email) == "" {
		fields["email"] = "Email is required"
	}
	if c.Password == "" {
		fields["password"] = "Password is required"
	}
	return fieldErrors(fields)
}

// Registration は新規登録の入力を表す。FullNameは任意。
type Registration struct {
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate は必須項目を検証する。
func (r Registration) Validate() error {
	return Credentials{Email: r.Email, Password: r.Password}.Validate()
}
