package tds

import (
	"sync"
	"time"

	"github.com/ha1tch/tdsgo/pkg/tdserr"
)

// PreparedStatement is a client-side record of a statement the server has
// already parsed via sp_prepare/sp_prepexec: the handle it returned, the
// parameter signature used to prepare it, and bookkeeping for cache
// eviction.
type PreparedStatement struct {
	Handle     int32
	SQL        string
	ParamDefs  string // "@p1 int, @p2 nvarchar(100)"
	ParamCount int
	Columns    []Column
	CreatedAt  time.Time
	LastUsed   time.Time
	ExecCount  int64
}

// PreparedStatementCache caches prepared-statement handles keyed by SQL
// text plus parameter signature, so repeated executions of the same
// parameterised query reuse one sp_prepare round trip instead of
// re-preparing on every call. It holds no network state itself — Session
// issues the sp_prepare/sp_unprepare RPCs and reports the resulting handle
// back into the cache.
type PreparedStatementCache struct {
	mu         sync.RWMutex
	statements map[string]*PreparedStatement
	maxEntries int
}

// NewPreparedStatementCache creates a cache that holds at most maxEntries
// prepared statements, evicting the least-recently-used entry when full.
func NewPreparedStatementCache(maxEntries int) *PreparedStatementCache {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &PreparedStatementCache{
		statements: make(map[string]*PreparedStatement),
		maxEntries: maxEntries,
	}
}

func cacheKey(sql, paramDefs string) string { return sql + "\x00" + paramDefs }

// Lookup returns the cached statement for (sql, paramDefs), if present,
// and marks it as just used.
func (c *PreparedStatementCache) Lookup(sql, paramDefs string) (*PreparedStatement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.statements[cacheKey(sql, paramDefs)]
	if ok {
		ps.LastUsed = time.Now()
		ps.ExecCount++
	}
	return ps, ok
}

// Store records a newly prepared statement, evicting the least-recently-
// used entry first if the cache is at capacity. It returns the evicted
// statement's handle (0 if nothing was evicted) so the caller can issue
// sp_unprepare for it.
func (c *PreparedStatementCache) Store(sql, paramDefs string, handle int32, columns []Column) (evictedHandle int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.statements) >= c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, ps := range c.statements {
			if oldestKey == "" || ps.LastUsed.Before(oldest) {
				oldestKey, oldest = k, ps.LastUsed
			}
		}
		if oldestKey != "" {
			evictedHandle = c.statements[oldestKey].Handle
			delete(c.statements, oldestKey)
		}
	}

	now := time.Now()
	c.statements[cacheKey(sql, paramDefs)] = &PreparedStatement{
		Handle:     handle,
		SQL:        sql,
		ParamDefs:  paramDefs,
		ParamCount: countParams(paramDefs),
		Columns:    columns,
		CreatedAt:  now,
		LastUsed:   now,
		ExecCount:  1,
	}
	return evictedHandle
}

// Evict removes every cached entry and returns their handles, so the
// caller can sp_unprepare them all (used on connection reset).
func (c *PreparedStatementCache) Evict() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	handles := make([]int32, 0, len(c.statements))
	for _, ps := range c.statements {
		handles = append(handles, ps.Handle)
	}
	c.statements = make(map[string]*PreparedStatement)
	return handles
}

// countParams counts the parameters in a "@p1 int, @p2 nvarchar(100)"
// style parameter definition string.
func countParams(paramDefs string) int {
	if paramDefs == "" {
		return 0
	}
	count := 1
	for _, r := range paramDefs {
		if r == ',' {
			count++
		}
	}
	return count
}

// PreparedStatementError reports a failure resolving or invoking a
// prepared statement handle.
type PreparedStatementError struct {
	Handle  int32
	Message string
}

func (e *PreparedStatementError) Error() string { return e.Message }

func errUnknownHandle(handle int32) error {
	return tdserr.New(tdserr.KindLogicError, "unknown prepared statement handle").
		WithField("handle", handle).Err()
}
