package ops

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"stockvault/internal/core/apperror"
	"stockvault/internal/domain/ledger"
	"stockvault/internal/domain/snapshot"
	"stockvault/internal/domain/stock"
)

type healthHandler struct {
	checks map[string]Checker
}

// Live handles the liveness probe.
// GET /health/live
func (h *healthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready runs every dependency check.
// GET /health/ready
func (h *healthHandler) Ready(c *gin.Context) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = "unhealthy: " + err.Error()
			continue
		}
		results[name] = "healthy"
	}

	body := gin.H{"status": "ok", "checks": results}
	if status != http.StatusOK {
		body["status"] = "error"
	}
	c.JSON(status, body)
}

type stockHandler struct {
	q StockQueries
}

// Get returns the live stock view.
// GET /api/v1/stock/:sku
func (h *stockHandler) Get(c *gin.Context) {
	view, err := h.q.GetStock(c.Request.Context(), c.Param("sku"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// At reconstructs the state at ?t=RFC3339.
// GET /api/v1/stock/:sku/at
func (h *stockHandler) At(c *gin.Context) {
	at, err := parseTime(c, "t", true)
	if err != nil {
		_ = c.Error(err)
		return
	}
	st, err := h.q.GetStateAt(c.Request.Context(), c.Param("sku"), *at)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":              st,
		"availableToPromise": st.AvailableToPromise(),
		"held":               st.HeldQuantity(),
	})
}

// Delta compares two past states.
// GET /api/v1/stock/:sku/delta?from=&to=
func (h *stockHandler) Delta(c *gin.Context) {
	from, err := parseTime(c, "from", true)
	if err != nil {
		_ = c.Error(err)
		return
	}
	to, err := parseTime(c, "to", true)
	if err != nil {
		_ = c.Error(err)
		return
	}
	d, err := h.q.GetDelta(c.Request.Context(), c.Param("sku"), *from, *to)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// History lists ledger entries, newest first.
// GET /api/v1/stock/:sku/history?from=&to=&type=&limit=&offset=
func (h *stockHandler) History(c *gin.Context) {
	var f ledger.Filter
	var err error
	if f.From, err = parseTime(c, "from", false); err != nil {
		_ = c.Error(err)
		return
	}
	if f.To, err = parseTime(c, "to", false); err != nil {
		_ = c.Error(err)
		return
	}
	for _, raw := range c.QueryArray("type") {
		t, err := stock.ParseChangeType(raw)
		if err != nil {
			_ = c.Error(err)
			return
		}
		f.Types = append(f.Types, t)
	}
	if f.Limit, f.Offset, err = parsePage(c); err != nil {
		_ = c.Error(err)
		return
	}

	entries, err := h.q.History(c.Request.Context(), c.Param("sku"), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries, "count": len(entries)})
}

// Snapshots lists snapshots, newest first.
// GET /api/v1/stock/:sku/snapshots?type=&from=&to=&limit=&offset=
func (h *stockHandler) Snapshots(c *gin.Context) {
	var f snapshot.ListFilter
	var err error
	if raw := c.Query("type"); raw != "" {
		t, err := snapshot.ParseType(raw)
		if err != nil {
			_ = c.Error(err)
			return
		}
		f.Type = &t
	}
	if f.From, err = parseTime(c, "from", false); err != nil {
		_ = c.Error(err)
		return
	}
	if f.To, err = parseTime(c, "to", false); err != nil {
		_ = c.Error(err)
		return
	}
	if f.Limit, f.Offset, err = parsePage(c); err != nil {
		_ = c.Error(err)
		return
	}

	snaps, err := h.q.ListSnapshots(c.Request.Context(), c.Param("sku"), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": snaps, "count": len(snaps)})
}

func parseTime(c *gin.Context, key string, required bool) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		if required {
			return nil, apperror.NewValidation("missing query parameter").WithDetail("param", key)
		}
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, apperror.NewValidation("timestamp must be RFC3339").WithDetail("param", key)
	}
	t = t.UTC()
	return &t, nil
}

func parsePage(c *gin.Context) (limit, offset int, err error) {
	limit, offset = 100, 0
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 || limit > 1000 {
			return 0, 0, apperror.NewValidation("limit must be between 1 and 1000")
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, apperror.NewValidation("offset must not be negative")
		}
	}
	return limit, offset, nil
}
