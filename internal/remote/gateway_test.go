package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/townsync/internal/auth"
	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
)

type staticTokens struct {
	token string
}

func (s staticTokens) AccessToken() (string, error) {
	if s.token == "" {
		return "", auth.ErrNotAuthenticated
	}
	return s.token, nil
}

func newFakeBackend(t *testing.T, register func(router *gin.Engine)) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func newTestGateway(t *testing.T, baseURL string, tokens TokenSource) *Gateway {
	t.Helper()
	gateway, err := NewGateway(Config{BaseURL: baseURL, APIKey: "anon-key", Tokens: tokens})
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	return gateway
}

func TestFetchCollectionSendsFiltersAndDecodesRows(t *testing.T) {
	var seenQuery atomic.Value
	server := newFakeBackend(t, func(router *gin.Engine) {
		router.GET("/rest/v1/rides", func(c *gin.Context) {
			if c.GetHeader("Authorization") != "Bearer token-1" || c.GetHeader("apikey") != "anon-key" {
				c.Status(http.StatusUnauthorized)
				return
			}
			seenQuery.Store(c.Request.URL.Query())
			c.JSON(http.StatusOK, []gin.H{
				{"id": "ride-1", "user_id": "user-1", "status": "open", "created_at": "2026-04-01T10:00:00Z"},
				{"id": "ride-2", "user_id": "user-1", "status": "open", "created_at": 1775037600},
				{"id": "ride-3", "user_id": "user-1", "created_at": "not a time"},
			})
		})
	})
	gateway := newTestGateway(t, server.URL, staticTokens{token: "token-1"})

	page, err := gateway.FetchCollection(context.Background(), resources.KindRide, Filters{OwnerID: "user-1"}, Page{Limit: 50})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(page.Records) != 2 || page.Records[0].ID != "ride-1" || page.Records[1].ID != "ride-2" {
		t.Fatalf("unexpected records %+v", page.Records)
	}
	if len(page.Undecodable) != 1 || page.Undecodable[0] != "ride-3" {
		t.Fatalf("expected ride-3 to be reported as undecodable, got %v", page.Undecodable)
	}

	query := seenQuery.Load().(url.Values)
	if query.Get("user_id") != "eq.user-1" || query.Get("limit") != "50" {
		t.Fatalf("unexpected query %v", query)
	}
}

func TestFetchAllFollowsPages(t *testing.T) {
	var calls atomic.Int32
	server := newFakeBackend(t, func(router *gin.Engine) {
		router.GET("/rest/v1/favors", func(c *gin.Context) {
			calls.Add(1)
			switch c.Query("offset") {
			case "":
				c.JSON(http.StatusOK, []gin.H{{"id": "f-1"}, {"id": "f-2"}})
			case "2":
				c.JSON(http.StatusOK, []gin.H{{"id": "f-3"}})
			default:
				c.JSON(http.StatusOK, []gin.H{})
			}
		})
	})
	gateway := newTestGateway(t, server.URL, staticTokens{token: "token-1"})

	page, err := gateway.FetchAll(context.Background(), resources.KindFavor, Filters{}, 2)
	if err != nil {
		t.Fatalf("fetch all failed: %v", err)
	}
	if len(page.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(page.Records))
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 page requests, got %d", calls.Load())
	}
}

func TestGatewayShortCircuitsWithoutToken(t *testing.T) {
	var calls atomic.Int32
	server := newFakeBackend(t, func(router *gin.Engine) {
		router.NoRoute(func(c *gin.Context) {
			calls.Add(1)
			c.Status(http.StatusOK)
		})
	})
	gateway := newTestGateway(t, server.URL, staticTokens{})

	_, err := gateway.FetchCollection(context.Background(), resources.KindRide, Filters{}, Page{})
	if !errors.Is(err, auth.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no network calls, got %d", calls.Load())
	}
}

func TestGatewayClassifiesFailures(t *testing.T) {
	server := newFakeBackend(t, func(router *gin.Engine) {
		router.GET("/rest/v1/rides", func(c *gin.Context) {
			c.String(http.StatusUnauthorized, "jwt expired")
		})
		router.GET("/rest/v1/favors", func(c *gin.Context) {
			c.String(http.StatusBadGateway, "upstream down")
		})
		router.GET("/rest/v1/messages", func(c *gin.Context) {
			c.String(http.StatusOK, "{not json")
		})
		router.PATCH("/rest/v1/rides", func(c *gin.Context) {
			c.JSON(http.StatusOK, []gin.H{})
		})
	})
	gateway := newTestGateway(t, server.URL, staticTokens{token: "token-1"})
	ctx := context.Background()

	if _, err := gateway.FetchCollection(ctx, resources.KindRide, Filters{}, Page{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	_, err := gateway.FetchCollection(ctx, resources.KindFavor, Filters{}, Page{})
	var transportErr *TransportError
	if !errors.Is(err, ErrTransport) || !errors.As(err, &transportErr) || transportErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected transport error with status, got %v", err)
	}
	if _, err := gateway.FetchCollection(ctx, resources.KindMessage, Filters{}, Page{}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if _, err := gateway.UpdateRecord(ctx, resources.KindRide, "missing", map[string]any{"status": "claimed"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateRecordReturnsRepresentation(t *testing.T) {
	server := newFakeBackend(t, func(router *gin.Engine) {
		router.PATCH("/rest/v1/rides", func(c *gin.Context) {
			if c.GetHeader("Prefer") != preferRepresentation || c.Query("id") != "eq.ride-1" {
				c.Status(http.StatusBadRequest)
				return
			}
			var body map[string]any
			if err := c.ShouldBindJSON(&body); err != nil {
				c.Status(http.StatusBadRequest)
				return
			}
			c.JSON(http.StatusOK, []gin.H{{"id": "ride-1", "user_id": "user-1", "status": body["status"], "claimed_by": body["claimed_by"]}})
		})
	})
	gateway := newTestGateway(t, server.URL, staticTokens{token: "token-1"})

	record, err := gateway.UpdateRecord(context.Background(), resources.KindRide, "ride-1", map[string]any{
		"status":     "claimed",
		"claimed_by": "user-2",
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if record.Status() != resources.StatusClaimed || record.ClaimedBy != "user-2" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestFetchProfilesAndLeaderboard(t *testing.T) {
	server := newFakeBackend(t, func(router *gin.Engine) {
		router.GET("/rest/v1/profiles", func(c *gin.Context) {
			c.JSON(http.StatusOK, []gin.H{
				{"id": "user-1", "full_name": "Ada Lovelace"},
				{"id": "user-2", "display_name": "Grace", "avatar_url": "https://example.com/g.png"},
			})
		})
		router.POST("/rest/v1/rpc/leaderboard", func(c *gin.Context) {
			c.JSON(http.StatusOK, []gin.H{
				{"user_id": "user-2", "display_name": "Grace", "completed": 7},
				{"user_id": "user-1", "display_name": "Ada", "completed": "3"},
			})
		})
	})
	gateway := newTestGateway(t, server.URL, staticTokens{token: "token-1"})
	ctx := context.Background()

	fetched, err := gateway.FetchProfiles(ctx, []string{"user-1", "user-2"})
	if err != nil {
		t.Fatalf("fetch profiles failed: %v", err)
	}
	if len(fetched) != 2 || fetched[0].DisplayName != "Ada Lovelace" || fetched[1].AvatarURL == "" {
		t.Fatalf("unexpected profiles %+v", fetched)
	}

	entries, err := gateway.FetchLeaderboard(ctx, "week")
	if err != nil {
		t.Fatalf("fetch leaderboard failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Rank != 1 || entries[1].Completed != 3 {
		t.Fatalf("unexpected leaderboard %+v", entries)
	}
}

func TestFiltersMatchRecords(t *testing.T) {
	record := resources.Record{Kind: resources.KindRide, ID: "r", OwnerID: "user-1", StatusRaw: "open", ParticipantIDs: []string{"user-3"}}
	if !(Filters{OwnerID: "user-1", Status: "OPEN"}).Matches(record) {
		t.Fatalf("expected owner and status match")
	}
	if (Filters{ClaimedBy: "user-2"}).Matches(record) {
		t.Fatalf("expected claimer mismatch")
	}
	if !(Filters{ParticipantID: "user-3"}).Matches(record) {
		t.Fatalf("expected participant match")
	}
}
