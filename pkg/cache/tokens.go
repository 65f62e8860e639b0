package cache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/orneryd/stratadb/pkg/storage"
)

// TokenKind selects the scope an invalidation token covers.
type TokenKind uint8

// Token kinds. Per-CI tokens cover one CI in one layer; layer-wide tokens
// cover every CI of the layer and back unscoped scans.
const (
	TokenAttributes TokenKind = iota + 1
	TokenAttributesLayer
	TokenRelations
	TokenRelationsLayer
	TokenCatalog
)

// Token identifies an invalidation scope.
type Token struct {
	Kind  TokenKind
	CI    storage.CIID
	Layer storage.LayerID
}

func (t Token) String() string {
	switch t.Kind {
	case TokenAttributes:
		return fmt.Sprintf("attr(%s@%d)", t.CI, t.Layer)
	case TokenAttributesLayer:
		return fmt.Sprintf("attr(*@%d)", t.Layer)
	case TokenRelations:
		return fmt.Sprintf("rel(%s@%d)", t.CI, t.Layer)
	case TokenRelationsLayer:
		return fmt.Sprintf("rel(*@%d)", t.Layer)
	case TokenCatalog:
		return "catalog"
	default:
		return fmt.Sprintf("token(%d)", t.Kind)
	}
}

// Stamp records a token's value when a cache entry was computed. The entry
// stays valid while the token still holds that value.
type Stamp struct {
	Token Token
	Seq   uint64
}

// Tokens holds a monotonic stamp per token: the commit sequence of the last
// commit that touched the token's scope. A token never seen has stamp 0.
//
// Thread-safe.
type Tokens struct {
	mu     sync.RWMutex
	stamps map[Token]uint64
}

// NewTokens creates an empty token table.
func NewTokens() *Tokens {
	return &Tokens{stamps: make(map[Token]uint64)}
}

// Current returns a token's stamp.
func (t *Tokens) Current(tok Token) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stamps[tok]
}

// Snapshot stamps every token with its current value.
func (t *Tokens) Snapshot(toks []Token) []Stamp {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Stamp, len(toks))
	for i, tok := range toks {
		out[i] = Stamp{Token: tok, Seq: t.stamps[tok]}
	}
	return out
}

// Valid reports whether no token has advanced since the stamps were taken.
func (t *Tokens) Valid(stamps []Stamp) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range stamps {
		if t.stamps[s.Token] != s.Seq {
			return false
		}
	}
	return true
}

// NotAfter reports whether every stamp is at or below seq, i.e. no commit
// newer than seq has touched the stamped scopes.
func NotAfter(stamps []Stamp, seq uint64) bool {
	for _, s := range stamps {
		if s.Seq > seq {
			return false
		}
	}
	return true
}

// Invalidate raises every token to seq. Stamps never decrease.
func (t *Tokens) Invalidate(seq uint64, toks ...Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tok := range toks {
		if t.stamps[tok] < seq {
			t.stamps[tok] = seq
		}
	}
	invalidationsTotal.Add(float64(len(toks)))
}

// Len returns the number of tokens ever invalidated.
func (t *Tokens) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.stamps)
}

// TokensForTouch maps a committed scope to the tokens it invalidates.
func TokensForTouch(touch storage.Touch) []Token {
	switch touch.Kind {
	case storage.TouchAttribute:
		return []Token{
			{Kind: TokenAttributes, CI: touch.CI, Layer: touch.Layer},
			{Kind: TokenAttributesLayer, Layer: touch.Layer},
		}
	case storage.TouchRelation:
		return []Token{
			{Kind: TokenRelations, CI: touch.CI, Layer: touch.Layer},
			{Kind: TokenRelationsLayer, Layer: touch.Layer},
		}
	case storage.TouchCI:
		return []Token{{Kind: TokenCatalog}}
	default:
		return nil
	}
}

// Invalidator converts commit events into token invalidations. Register it
// on the store; it runs before Commit returns, so a writer's next read
// never hits an entry its own commit made stale.
type Invalidator struct {
	tokens *Tokens
	logger *slog.Logger
}

var _ storage.CommitListener = (*Invalidator)(nil)

// NewInvalidator creates an invalidator for tokens.
func NewInvalidator(tokens *Tokens, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Invalidator{tokens: tokens, logger: logger.With(slog.String("component", "cache"))}
}

// OnCommit implements storage.CommitListener.
func (i *Invalidator) OnCommit(event storage.CommitEvent) {
	if len(event.Touched) == 0 {
		return
	}
	toks := make([]Token, 0, 2*len(event.Touched))
	for _, touch := range event.Touched {
		toks = append(toks, TokensForTouch(touch)...)
	}
	i.tokens.Invalidate(event.Seq, toks...)
	i.logger.Debug("cache tokens invalidated",
		slog.Uint64("seq", event.Seq),
		slog.Int("tokens", len(toks)))
}
