package session

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// AddressKind тип адреса собеседника
type AddressKind int

const (
	AddressGeneric AddressKind = iota
	AddressNumber
	AddressEmail
)

// String возвращает строковое представление типа адреса
func (k AddressKind) String() string {
	switch k {
	case AddressNumber:
		return "number"
	case AddressEmail:
		return "email"
	default:
		return "generic"
	}
}

// ParseAddressKind разбирает тип адреса из команды приложения.
// Пустое или неизвестное значение дает ok=false.
func ParseAddressKind(s string) (AddressKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "number":
		return AddressNumber, true
	case "email":
		return AddressEmail, true
	case "generic":
		return AddressGeneric, true
	default:
		return AddressGeneric, false
	}
}

// Address адрес собеседника: номер телефона или SIP-подобный URI
type Address struct {
	Raw  string
	Kind AddressKind

	// Заполняются только для sip:/sips: URI
	User string
	Host string
	Port int
}

// String возвращает исходное значение адреса
func (a Address) String() string {
	return a.Raw
}

// IsSIP адрес разобран как SIP URI
func (a Address) IsSIP() bool {
	return a.Host != ""
}

// ParseAddress строит адрес из строки приложения с подсказкой типа.
// Если подсказка не задана, тип определяется по содержимому.
// Ошибок нет: неразбираемый URI остается generic-адресом с исходной строкой.
func ParseAddress(raw, kindHint string) Address {
	raw = strings.TrimSpace(raw)
	addr := Address{Raw: raw}

	kind, hinted := ParseAddressKind(kindHint)
	if !hinted {
		kind = inferKind(raw)
	}
	addr.Kind = kind

	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:") {
		var uri sip.Uri
		if err := sip.ParseUri(raw, &uri); err == nil {
			addr.User = uri.User
			addr.Host = uri.Host
			addr.Port = uri.Port
			if !hinted && isNumeric(uri.User) {
				addr.Kind = AddressNumber
			}
		}
	}

	return addr
}

func inferKind(raw string) AddressKind {
	if isNumeric(raw) {
		return AddressNumber
	}
	if at := strings.IndexByte(raw, '@'); at > 0 && !strings.Contains(raw, ":") {
		return AddressEmail
	}
	return AddressGeneric
}

// isNumeric телефонный номер в формате набора: цифры, ведущий '+', '*', '#'
// и разделители, которые набиратель игнорирует
func isNumeric(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == '*' || r == '#':
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits > 0
}
