// Package streamkey builds and parses the canonical subscription
// identifier from spec.md §3: "<symbol>@<topic>[_<param>]". The symbol is
// lowercased in stream keys and uppercased before use in REST; topic names
// keep their wire casing (e.g. "bookTicker", "aggTrade").
package streamkey

import "strings"

const (
	TopicBookTicker = "bookTicker"
	TopicDepth      = "depth"
	TopicAggTrade   = "aggTrade"
	TopicTrade      = "trade"
	TopicKline      = "kline"
	TopicTicker     = "ticker"
)

// Key builds a stream key from a symbol, topic, and optional param (e.g.
// kline interval "1m"). Symbol is lowercased; topic/param are used as given.
func Key(symbol, topic, param string) string {
	s := strings.ToLower(symbol)
	if param == "" {
		return s + "@" + topic
	}
	return s + "@" + topic + "_" + param
}

// Symbol extracts and uppercases the symbol portion of a stream key, the
// form REST calls require.
func Symbol(key string) string {
	if i := strings.IndexByte(key, '@'); i >= 0 {
		return strings.ToUpper(key[:i])
	}
	return strings.ToUpper(key)
}

// Topic extracts the topic portion, stripping any "_<param>" suffix.
func Topic(key string) string {
	rest := key
	if i := strings.IndexByte(key, '@'); i >= 0 {
		rest = key[i+1:]
	}
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// Param extracts the optional "_<param>" suffix, or "" if absent.
func Param(key string) string {
	if i := strings.IndexByte(key, '_'); i >= 0 {
		return key[i+1:]
	}
	return ""
}
