package protocol

import "greenova.io/internal/escrow"

const (
	// Protocol/transport validation.
	ErrProtoBadRequest  = "E_PROTO_BAD_REQUEST"
	ErrUnauthenticated  = "E_UNAUTHENTICATED"
	ErrUnknownQuery     = "E_UNKNOWN_QUERY"
	ErrIndexUnavailable = "E_INDEX_UNAVAILABLE"
)

var knownCodes = func() map[string]struct{} {
	m := map[string]struct{}{
		ErrProtoBadRequest:  {},
		ErrUnauthenticated:  {},
		ErrUnknownQuery:     {},
		ErrIndexUnavailable: {},
	}
	// Operation rejections travel with their escrow code unchanged.
	for _, c := range escrow.Codes() {
		m[string(c)] = struct{}{}
	}
	return m
}()

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
