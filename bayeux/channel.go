package bayeux

import "strings"

// ChannelID is a channel name, possibly ending in a wildcard segment.
type ChannelID string

// IsMeta reports whether the channel is a /meta/ channel.
func (c ChannelID) IsMeta() bool { return strings.HasPrefix(string(c), MetaPrefix) }

// IsService reports whether the channel is a /service/ channel.
func (c ChannelID) IsService() bool { return strings.HasPrefix(string(c), ServicePrefix) }

// IsBroadcast reports whether messages on the channel fan out to subscribers.
func (c ChannelID) IsBroadcast() bool { return !c.IsMeta() && !c.IsService() }

// IsWild reports whether the last segment is "*".
func (c ChannelID) IsWild() bool { return strings.HasSuffix(string(c), "/*") }

// IsDeepWild reports whether the last segment is "**".
func (c ChannelID) IsDeepWild() bool { return strings.HasSuffix(string(c), "/**") }

// Valid reports whether the name is an absolute channel with non-empty
// segments and wildcards only in the last position.
func (c ChannelID) Valid() bool {
	s := string(c)
	if len(s) < 2 || s[0] != '/' {
		return false
	}
	segs := strings.Split(s[1:], "/")
	for i, seg := range segs {
		if seg == "" {
			return false
		}
		if (seg == "*" || seg == "**") && i != len(segs)-1 {
			return false
		}
		if seg != "*" && seg != "**" && strings.Contains(seg, "*") {
			return false
		}
	}
	return true
}

// Matches reports whether the concrete channel name is matched by c. A
// non-wild c matches only itself.
func (c ChannelID) Matches(name string) bool {
	switch {
	case c.IsDeepWild():
		prefix := strings.TrimSuffix(string(c), "**")
		return strings.HasPrefix(name, prefix) && len(name) > len(prefix)
	case c.IsWild():
		prefix := strings.TrimSuffix(string(c), "*")
		if !strings.HasPrefix(name, prefix) {
			return false
		}
		rest := name[len(prefix):]
		return rest != "" && !strings.Contains(rest, "/")
	default:
		return string(c) == name
	}
}

// Wilds lists the wildcard channels that match c, most specific first. For
// "/a/b/c" that is "/a/b/*", "/a/b/**", "/a/**", "/**".
func (c ChannelID) Wilds() []string {
	s := string(c)
	if c.IsWild() || c.IsDeepWild() || len(s) < 2 {
		return nil
	}
	segs := strings.Split(s[1:], "/")
	out := make([]string, 0, len(segs)+1)
	for i := len(segs) - 1; i >= 0; i-- {
		prefix := "/" + strings.Join(segs[:i], "/")
		if i > 0 {
			prefix += "/"
		}
		if i == len(segs)-1 {
			out = append(out, prefix+"*")
		}
		out = append(out, prefix+"**")
	}
	return out
}
