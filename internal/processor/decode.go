package processor

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/YaganovValera/group-consumer/pkg/kafka"
)

// ErrInvalidUTF8 — полезная нагрузка или имя заголовка не являются UTF-8.
var ErrInvalidUTF8 = errors.New("invalid utf-8")

// ErrEmptyHeaderName — заголовок без имени.
var ErrEmptyHeaderName = errors.New("empty header name")

// DecodePayload возвращает тело записи как текст. nil-тело — пустая строка
// без ошибки; невалидный UTF-8 — пустая строка и ошибка (запись всё равно
// считается обработанной).
func DecodePayload(b []byte) (string, error) {
	if b == nil {
		return "", nil
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("payload of %d bytes: %w", len(b), ErrInvalidUTF8)
	}
	return string(b), nil
}

// Header — декодированный заголовок.
type Header struct {
	Name  string
	Value []byte
}

// DecodeHeaders сохраняет порядок; плохие заголовки не роняют обработку, а
// возвращаются отдельным списком ошибок.
func DecodeHeaders(in []kafka.Header) ([]Header, []error) {
	var (
		out  = make([]Header, 0, len(in))
		errs []error
	)
	for i, h := range in {
		switch {
		case len(h.Key) == 0:
			errs = append(errs, fmt.Errorf("header #%d: %w", i, ErrEmptyHeaderName))
		case !utf8.Valid(h.Key):
			errs = append(errs, fmt.Errorf("header #%d name: %w", i, ErrInvalidUTF8))
		default:
			out = append(out, Header{Name: string(h.Key), Value: h.Value})
		}
	}
	return out, errs
}
