package holdings

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintBurn(t *testing.T) {
	ctx := context.Background()
	book := NewBook(zerolog.Nop())
	project := uuid.New()

	require.NoError(t, book.Mint(ctx, project, 1, "alice"))
	require.NoError(t, book.Mint(ctx, project, 2, "alice"))
	require.NoError(t, book.Mint(ctx, project, 1, "bob"))

	assert.Equal(t, uint64(1), book.BalanceOf(project, 1, "alice"))
	assert.Equal(t, []Holding{{TokenID: 1, Balance: 1}, {TokenID: 2, Balance: 1}}, book.HoldingsOf(project, "alice"))

	require.NoError(t, book.Burn(ctx, project, 1, "alice"))
	assert.Equal(t, uint64(0), book.BalanceOf(project, 1, "alice"))

	t.Run("burning an empty balance fails", func(t *testing.T) {
		assert.ErrorIs(t, book.Burn(ctx, project, 1, "alice"), ErrNoBalance)
		assert.ErrorIs(t, book.Burn(ctx, project, 99, "bob"), ErrNoBalance)
	})

	t.Run("projects are isolated", func(t *testing.T) {
		assert.Equal(t, uint64(0), book.BalanceOf(uuid.New(), 1, "bob"))
	})
}

func TestConservation(t *testing.T) {
	ctx := context.Background()
	book := NewBook(zerolog.Nop())
	project := uuid.New()

	var wg sync.WaitGroup
	holders := []string{"h1", "h2", "h3", "h4"}
	for _, h := range holders {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				require.NoError(t, book.Mint(ctx, project, 7, h))
			}
			for i := 0; i < 10; i++ {
				require.NoError(t, book.Burn(ctx, project, 7, h))
			}
		}(h)
	}
	wg.Wait()

	minted, burned := book.Totals(project, 7)
	assert.Equal(t, uint64(100), minted)
	assert.Equal(t, uint64(40), burned)

	var held uint64
	for _, h := range holders {
		held += book.BalanceOf(project, 7, h)
	}
	assert.Equal(t, minted-burned, held, "minted minus burned must equal held balances")

	entries := book.Entries(project)
	assert.Len(t, entries, 140)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq, "sequence numbers must be strictly increasing")
	}
}
