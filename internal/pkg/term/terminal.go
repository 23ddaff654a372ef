// Package term реализует интерактивный вход в аккаунт Telegram через терминал.
package term

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/xerrors"
)

// Terminal обеспечивает интерактивную аутентификацию через терминал.
// Он реализует интерфейс auth.UserAuthenticator.
type Terminal struct {
	phone        string
	in           *bufio.Reader
	out          io.Writer
	readPassword func() ([]byte, error)
}

var _ auth.UserAuthenticator = (*Terminal)(nil)

// NewTerminal создает новый экземпляр Terminal, читающий stdin.
func NewTerminal(phone string) *Terminal {
	return newTerminal(phone, os.Stdin, os.Stdout, termReadPassword)
}

func newTerminal(phone string, in io.Reader, out io.Writer, readPassword func() ([]byte, error)) *Terminal {
	t := &Terminal{
		phone:        phone,
		in:           bufio.NewReader(in),
		out:          out,
		readPassword: readPassword,
	}
	if t.readPassword == nil {
		// Без терминала пароль читается как обычная строка.
		t.readPassword = func() ([]byte, error) {
			line, err := t.readLine()
			return []byte(line), err
		}
	}
	return t
}

// Phone возвращает номер телефона. Если он не задан в конфигурации, запрашивает его.
func (t *Terminal) Phone(_ context.Context) (string, error) {
	if t.phone != "" {
		return t.phone, nil
	}
	fmt.Fprint(t.out, "Enter phone number: ")
	phone, err := t.readLine()
	if err != nil {
		return "", xerrors.Errorf("failed to read phone: %w", err)
	}
	t.phone = phone
	return phone, nil
}

// Password запрашивает пароль 2FA.
func (t *Terminal) Password(_ context.Context) (string, error) {
	fmt.Fprint(t.out, "Enter 2FA password: ")
	bytePwd, err := t.readPassword()
	if err != nil {
		return "", xerrors.Errorf("failed to read password: %w", err)
	}
	fmt.Fprintln(t.out) // Новая строка после ввода
	return strings.TrimSpace(string(bytePwd)), nil
}

// AcceptTermsOfService принимает Условия обслуживания.
func (t *Terminal) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	fmt.Fprintf(t.out, "Accepting Terms of Service: %s\n", tos.Text)
	return nil
}

// Code запрашивает код подтверждения.
func (t *Terminal) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	fmt.Fprint(t.out, "Enter code: ")
	code, err := t.readLine()
	if err != nil {
		return "", xerrors.Errorf("failed to read code: %w", err)
	}
	return code, nil
}

// SignUp не реализован: архиватор работает только с существующими аккаунтами.
func (t *Terminal) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, xerrors.New("signup not implemented")
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
