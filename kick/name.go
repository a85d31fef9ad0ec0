package kick

import "strings"

// MaxChannelNameLen caps canonical names so derived table names stay well
// under the 63-byte Postgres identifier limit once prefixed.
const MaxChannelNameLen = 48

// NormalizeChannelName maps an operator-supplied name to its canonical form:
// trimmed, lowercased, one leading '#' or '@' removed, every byte outside
// [a-z0-9_-] replaced with '_', and cut to MaxChannelNameLen bytes.
// The mapping is idempotent. Names that differ only in replaced characters
// ("xqc." and "xqc_") collide.
func NormalizeChannelName(name string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	if s != "" && (s[0] == '#' || s[0] == '@') {
		s = s[1:]
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > MaxChannelNameLen {
		out = out[:MaxChannelNameLen]
	}
	if strings.Trim(out, "_") == "" {
		return "", ErrInvalidChannelName
	}
	return out, nil
}
