package selector

import (
	"testing"
	"time"

	"postrelay/internal/ledger"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticView struct {
	usable  map[int]bool
	reset   time.Time
	hasNext bool
	checked []int
}

func (v *staticView) CanUse(id int) bool {
	v.checked = append(v.checked, id)
	return v.usable[id]
}

func (v *staticView) EarliestReset() (time.Time, bool) {
	return v.reset, v.hasNext
}

func TestSelect(t *testing.T) {
	reset := time.Date(2024, 3, 1, 12, 15, 0, 0, time.UTC)

	tests := []struct {
		name        string
		usable      map[int]bool
		sticky      int
		candidates  []int
		hasReset    bool
		wantOK      bool
		wantAccount int
		wantReset   bool
	}{
		{
			name:        "sticky wins when both usable",
			usable:      map[int]bool{1: true, 2: true},
			sticky:      2,
			candidates:  []int{1, 2},
			wantOK:      true,
			wantAccount: 2,
		},
		{
			name:        "no sticky falls back to lowest id",
			usable:      map[int]bool{1: true, 2: true},
			sticky:      0,
			candidates:  []int{2, 1},
			wantOK:      true,
			wantAccount: 1,
		},
		{
			name:        "fails over from exhausted sticky",
			usable:      map[int]bool{1: false, 2: true},
			sticky:      1,
			candidates:  []int{1, 2},
			wantOK:      true,
			wantAccount: 2,
		},
		{
			name:        "sticky outside candidates is ignored",
			usable:      map[int]bool{1: true, 2: true},
			sticky:      2,
			candidates:  []int{1},
			wantOK:      true,
			wantAccount: 1,
		},
		{
			name:       "none usable reports earliest reset",
			usable:     map[int]bool{1: false, 2: false},
			sticky:     1,
			candidates: []int{1, 2},
			hasReset:   true,
			wantOK:     false,
			wantReset:  true,
		},
		{
			name:       "none usable without reset",
			usable:     map[int]bool{},
			candidates: []int{1, 2},
			wantOK:     false,
		},
		{
			name:       "no candidates",
			usable:     map[int]bool{1: true},
			sticky:     1,
			candidates: nil,
			wantOK:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := &staticView{usable: tt.usable, reset: reset, hasNext: tt.hasReset}

			sel := Select(view, tt.sticky, tt.candidates)

			assert.Equal(t, tt.wantOK, sel.OK)
			if tt.wantOK {
				assert.Equal(t, tt.wantAccount, sel.AccountID)
				assert.Nil(t, sel.ResetAt)
			}
			if tt.wantReset {
				require.NotNil(t, sel.ResetAt)
				assert.True(t, reset.Equal(*sel.ResetAt))
			} else if !tt.wantOK {
				assert.Nil(t, sel.ResetAt)
			}
		})
	}
}

func TestSelect_ChecksStickyOnlyOnce(t *testing.T) {
	view := &staticView{usable: map[int]bool{}}

	Select(view, 2, []int{1, 2, 3})

	assert.Equal(t, []int{2, 1, 3}, view.checked)
}

func TestSelect_AgainstLedger(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	l := ledger.New(ledger.Config{Accounts: []int{1, 2}}, logger, ledger.WithClock(func() time.Time { return now }))

	sel := Select(l, 1, l.Accounts())
	require.True(t, sel.OK)
	assert.Equal(t, 1, sel.AccountID)

	first := now.Add(20 * time.Minute)
	second := now.Add(5 * time.Minute)
	l.RecordRateLimited(1, &first)
	sel = Select(l, 1, l.Accounts())
	require.True(t, sel.OK)
	assert.Equal(t, 2, sel.AccountID)

	l.RecordRateLimited(2, &second)
	sel = Select(l, 2, l.Accounts())
	assert.False(t, sel.OK)
	require.NotNil(t, sel.ResetAt)
	assert.True(t, second.Equal(*sel.ResetAt))
}

func TestExclude(t *testing.T) {
	assert.Equal(t, []int{2, 3}, Exclude([]int{1, 2, 3}, 1))
	assert.Equal(t, []int{}, Exclude([]int{1}, 1))
	assert.Equal(t, []int{1, 2}, Exclude([]int{1, 2}))
}
