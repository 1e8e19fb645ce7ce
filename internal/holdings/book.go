// Package holdings tracks claimed token balances per holder, one book
// entry per mint or burn.
package holdings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNoBalance = errors.New("holdings: no balance to burn")

// Book tracks token balances per project. Balances and the entry log
// share one mutex so sequence numbers always match insertion order.
type Book struct {
	balances map[uuid.UUID]map[uint64]map[string]uint64
	stats    map[uuid.UUID]map[uint64]*tokenStats
	entries  []Entry
	lastSeq  int64

	mu     sync.Mutex
	logger zerolog.Logger
}

type tokenStats struct {
	minted uint64
	burned uint64
}

// Entry is one ledger line in the book.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	TokenID   uint64    `json:"token_id"`
	Holder    string    `json:"holder"`
	Kind      string    `json:"kind"` // "mint" or "burn"
	At        time.Time `json:"at"`
	Seq       int64     `json:"seq"`
}

// Holding is one holder's balance on one token.
type Holding struct {
	TokenID uint64 `json:"token_id"`
	Balance uint64 `json:"balance"`
}

// NewBook creates an empty balance book.
func NewBook(logger zerolog.Logger) *Book {
	return &Book{
		balances: make(map[uuid.UUID]map[uint64]map[string]uint64),
		stats:    make(map[uuid.UUID]map[uint64]*tokenStats),
		logger:   logger.With().Str("component", "holdings").Logger(),
	}
}

// Mint credits one token to a holder.
func (b *Book) Mint(ctx context.Context, projectID uuid.UUID, tokenID uint64, holder string) error {
	if holder == "" {
		return fmt.Errorf("holdings: holder required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	perToken := b.balances[projectID]
	if perToken == nil {
		perToken = make(map[uint64]map[string]uint64)
		b.balances[projectID] = perToken
	}
	perHolder := perToken[tokenID]
	if perHolder == nil {
		perHolder = make(map[string]uint64)
		perToken[tokenID] = perHolder
	}
	perHolder[holder]++
	b.statsFor(projectID, tokenID).minted++
	b.append(projectID, tokenID, holder, "mint")
	return nil
}

// Burn debits one token from a holder.
func (b *Book) Burn(ctx context.Context, projectID uuid.UUID, tokenID uint64, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	perHolder := b.balances[projectID][tokenID]
	if perHolder == nil || perHolder[holder] == 0 {
		return fmt.Errorf("%w: project %s token %d holder %s", ErrNoBalance, projectID, tokenID, holder)
	}
	perHolder[holder]--
	if perHolder[holder] == 0 {
		delete(perHolder, holder)
	}
	b.statsFor(projectID, tokenID).burned++
	b.append(projectID, tokenID, holder, "burn")
	return nil
}

// BalanceOf returns one holder's balance on one token.
func (b *Book) BalanceOf(projectID uuid.UUID, tokenID uint64, holder string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[projectID][tokenID][holder]
}

// HoldingsOf returns every nonzero balance one holder has in a project,
// ordered by token ID.
func (b *Book) HoldingsOf(projectID uuid.UUID, holder string) []Holding {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Holding
	for tokenID, perHolder := range b.balances[projectID] {
		if balance := perHolder[holder]; balance > 0 {
			out = append(out, Holding{TokenID: tokenID, Balance: balance})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// Totals returns how many tokens were ever minted and burned for one
// token line. Minted minus burned always equals the sum of balances.
func (b *Book) Totals(projectID uuid.UUID, tokenID uint64) (minted, burned uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stats[projectID][tokenID]
	if st == nil {
		return 0, 0
	}
	return st.minted, st.burned
}

// Entries returns a copy of the book's entry log for one project.
func (b *Book) Entries(projectID uuid.UUID) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry
	for _, e := range b.entries {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	return out
}

func (b *Book) statsFor(projectID uuid.UUID, tokenID uint64) *tokenStats {
	perToken := b.stats[projectID]
	if perToken == nil {
		perToken = make(map[uint64]*tokenStats)
		b.stats[projectID] = perToken
	}
	st := perToken[tokenID]
	if st == nil {
		st = &tokenStats{}
		perToken[tokenID] = st
	}
	return st
}

func (b *Book) append(projectID uuid.UUID, tokenID uint64, holder, kind string) {
	b.lastSeq++
	b.entries = append(b.entries, Entry{
		ID:        uuid.New(),
		ProjectID: projectID,
		TokenID:   tokenID,
		Holder:    holder,
		Kind:      kind,
		At:        time.Now(),
		Seq:       b.lastSeq,
	})
}
