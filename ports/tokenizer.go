package ports

import "github.com/layer-3/fillwatch/core"

// Tokenizer converts between sessions and transport tokens
type Tokenizer interface {
	SessionToToken(session *core.Session) (string, error)
	TokenToSession(token string) (*core.Session, error)
}
