//go:build !unix

package term

// Вне unix скрытый ввод не поддерживается, пароль читается построчно.
var termReadPassword func() ([]byte, error)
