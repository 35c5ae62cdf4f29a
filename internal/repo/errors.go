package repo

import "errors"

// Ошибки хранилищ. Postgres, Badger и память возвращают одни и те же
// значения, поэтому вызывающий проверяет их через errors.Is независимо
// от backend'а.
var (
	// ErrNotFound — нет снапшота run, запроса approval или расписания.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — ключ запуска расписания уже записан.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — по approval уже принято решение.
	ErrInvalidState = errors.New("invalid state")

	// ErrCorruptSnapshot — сохранённый снапшот не декодируется.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)
