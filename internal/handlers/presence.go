package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/realtime-core/internal/presence"
)

const maxPresenceQuery = 500

// PresenceStatus answers GET /api/presence?ids=1,2,3 from in-memory state,
// falling back to the shared mirror when one is configured.
func PresenceStatus(tracker *presence.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids, err := parseIDs(c.Query("ids"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(ids) > maxPresenceQuery {
			c.JSON(http.StatusBadRequest, gin.H{"error": "too many ids"})
			return
		}

		statuses := tracker.Lookup(c.Request.Context(), ids)
		out := make(map[string]bool, len(statuses))
		for id, online := range statuses {
			out[strconv.FormatInt(id, 10)] = online
		}
		c.JSON(http.StatusOK, gin.H{"statuses": out})
	}
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, errInvalidID(part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type errInvalidID string

func (e errInvalidID) Error() string { return "invalid user id: " + string(e) }
