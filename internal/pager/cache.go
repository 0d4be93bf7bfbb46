package pager

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rescale/rescale-vrows/internal/constants"
	"github.com/rescale/rescale-vrows/internal/events"
	"github.com/rescale/rescale-vrows/internal/logging"
	"github.com/rescale/rescale-vrows/internal/metrics"
)

// RowFeedback receives every row lookup that is not answered from the memo.
type RowFeedback interface {
	OnRowRequested(index int, hit bool)
}

// Cache holds the loaded pages of one result set. Pages may leave gaps.
//
// A Cache belongs to its owner goroutine: every method must be called there,
// and nothing is locked.
type Cache[R any] struct {
	name     string
	pageSize int
	equal    EqualFunc[R]
	pages    []*Page[R]

	selection R
	selected  bool

	feedback RowFeedback
	bus      *events.EventBus
	logger   *logging.Logger

	// A renderer asks for the same row once per column
	memoIndex int
	memoRow   R
	memoHit   bool

	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewCache creates an empty cache. bus may be nil, in which case a private bus is created.
func NewCache[R any](name string, pageSize int, equal EqualFunc[R], bus *events.EventBus, logger *logging.Logger) (*Cache[R], error) {
	if pageSize <= 0 {
		return nil, ErrInvalidPageSize
	}
	if bus == nil {
		bus = events.NewEventBus(constants.EventBusDefaultBuffer)
	}
	return &Cache[R]{
		name:      name,
		pageSize:  pageSize,
		equal:     equal,
		bus:       bus,
		logger:    logging.OrNop(logger).Named("cache"),
		memoIndex: -1,
		hits:      metrics.CacheLookups.WithLabelValues(name, "hit"),
		misses:    metrics.CacheLookups.WithLabelValues(name, "miss"),
	}, nil
}

// SetFeedback installs the handler told about row hits and misses.
func (c *Cache[R]) SetFeedback(f RowFeedback) {
	c.feedback = f
}

func (c *Cache[R]) Name() string              { return c.name }
func (c *Cache[R]) PageSize() int             { return c.pageSize }
func (c *Cache[R]) EventBus() *events.EventBus { return c.bus }

// LoadedPages returns the number of pages currently held.
func (c *Cache[R]) LoadedPages() int {
	return len(c.pages)
}

// RowCount returns the size of the result set, or 0 before the first load.
func (c *Cache[R]) RowCount() int {
	if len(c.pages) == 0 {
		return 0
	}
	return c.pages[0].Total
}

// HasData reports whether the result set is non-empty.
func (c *Cache[R]) HasData() bool {
	return c.RowCount() > 0
}

// Row returns the row at index, or false when its page is not loaded.
// Indexes outside [0, RowCount) are a miss and are not reported as feedback.
func (c *Cache[R]) Row(index int) (R, bool) {
	if index == c.memoIndex {
		return c.memoRow, c.memoHit
	}
	if index < 0 || index >= c.RowCount() {
		var zero R
		return zero, false
	}

	row, ok := c.find(index)
	c.memoIndex, c.memoRow, c.memoHit = index, row, ok

	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	if c.feedback != nil {
		c.feedback.OnRowRequested(index, ok)
	}
	return row, ok
}

func (c *Cache[R]) find(index int) (R, bool) {
	for _, p := range c.pages {
		if p.covers(index) {
			return p.row(index)
		}
	}
	var zero R
	return zero, false
}

// IndexOf returns the position of the row equal to row, or -1.
// Only loaded pages are searched.
func (c *Cache[R]) IndexOf(row R) int {
	for _, p := range c.pages {
		for i, cur := range p.Items {
			if c.equal(cur, row) {
				return p.Offset + i
			}
		}
	}
	return -1
}

// Selection returns the selected row, if any.
func (c *Cache[R]) Selection() (R, bool) {
	return c.selection, c.selected
}

// SetSelection selects row. Rows that are not loaded are refused.
func (c *Cache[R]) SetSelection(row R) bool {
	if c.IndexOf(row) < 0 {
		c.logger.Debug().Str("cache", c.name).Msg("Refusing selection of a row that is not loaded")
		return false
	}
	c.selection, c.selected = row, true
	c.bus.PublishSelection(c.name, row, true)
	return true
}

// ClearSelection drops the selection.
func (c *Cache[R]) ClearSelection() {
	if !c.selected {
		return
	}
	var zero R
	c.selection, c.selected = zero, false
	c.bus.PublishSelection(c.name, nil, false)
}

// ApplyInitialLoad installs the first page of a never loaded cache.
func (c *Cache[R]) ApplyInitialLoad(first *Page[R]) {
	if len(c.pages) > 0 {
		// Already populated, treat as reload so listeners see consistent deltas
		c.ApplyReload(first, nil)
		return
	}

	c.logger.Debug().
		Str("cache", c.name).
		Int("total", first.Total).
		Int("items", len(first.Items)).
		Msg("Initial load")

	c.pages = []*Page[R]{first}
	if first.Total == 0 {
		c.resetMemo()
		return
	}
	c.publish(0, first.Total-1, events.ChangeInsert)
	c.bus.PublishHasData(c.name, true)
}

// ApplyReload replaces all pages with first (offset 0) and the optional second
// page fetched at the last viewed position.
func (c *Cache[R]) ApplyReload(first, second *Page[R]) {
	oldTotal := c.RowCount()
	newTotal := first.Total

	c.pages = []*Page[R]{first}
	if second != nil {
		if second.Total == first.Total && second.Offset != first.Offset && second.Offset < newTotal {
			c.pages = append(c.pages, second)
		} else {
			c.logger.Debug().
				Str("cache", c.name).
				Int("offset", second.Offset).
				Int("total", second.Total).
				Msg("Dropping second reload page, it no longer fits")
		}
	}

	c.logger.Debug().
		Str("cache", c.name).
		Int("old_total", oldTotal).
		Int("new_total", newTotal).
		Int("pages", len(c.pages)).
		Msg("Reload")

	switch {
	case newTotal > oldTotal:
		c.publish(oldTotal, newTotal-1, events.ChangeInsert)
	case newTotal < oldTotal:
		c.publish(newTotal, oldTotal-1, events.ChangeDelete)
	}
	if newTotal > 0 {
		c.publish(0, newTotal-1, events.ChangeUpdate)
	}
	c.resetMemo()

	if (oldTotal > 0) != (newTotal > 0) {
		c.bus.PublishHasData(c.name, newTotal > 0)
	}

	c.resolveSelection()
}

func (c *Cache[R]) resolveSelection() {
	if !c.selected {
		return
	}
	idx := c.IndexOf(c.selection)
	if idx < 0 {
		c.ClearSelection()
		return
	}
	row, _ := c.find(idx)
	c.selection = row
	c.bus.PublishSelection(c.name, row, true)
}

// ApplyNewPage adds or replaces the page at page.Offset. It returns false
// without changing anything when the page was fetched against a different
// total, i.e. the data set changed under us and needs a full reload.
func (c *Cache[R]) ApplyNewPage(page *Page[R]) bool {
	if page.Total != c.RowCount() {
		c.logger.Info().
			Str("cache", c.name).
			Int("offset", page.Offset).
			Int("page_total", page.Total).
			Int("total", c.RowCount()).
			Msg("Page total disagrees with cache, data set changed")
		return false
	}
	if page.Offset >= page.Total {
		return true
	}

	replaced := false
	for i, p := range c.pages {
		if p.Offset == page.Offset {
			c.pages[i] = page
			replaced = true
			break
		}
	}
	if !replaced {
		c.pages = append(c.pages, page)
	}

	end := page.Offset + c.pageSize - 1
	if end > page.Total-1 {
		end = page.Total - 1
	}
	c.publish(page.Offset, end, events.ChangeUpdate)
	return true
}

// ApplyRowPatch replaces the loaded row equal to row. The selection follows
// when it is the same record. Returns false when the row is not loaded.
func (c *Cache[R]) ApplyRowPatch(row R) bool {
	if c.selected && c.equal(c.selection, row) {
		c.selection = row
		c.bus.PublishSelection(c.name, row, true)
	}

	for _, p := range c.pages {
		for i, cur := range p.Items {
			if !c.equal(cur, row) {
				continue
			}
			p.Items[i] = row
			idx := p.Offset + i
			c.publish(idx, idx, events.ChangeUpdate)
			return true
		}
	}

	c.logger.Warn().Str("cache", c.name).Msg("Row patch for a row that is not loaded, ignoring")
	return false
}

func (c *Cache[R]) publish(start, end int, kind events.ChangeKind) {
	c.resetMemo()
	c.bus.PublishRowsChanged(c.name, start, end, kind)
}

func (c *Cache[R]) resetMemo() {
	var zero R
	c.memoIndex, c.memoRow, c.memoHit = -1, zero, false
}
