package api

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// NewServer creates a new HTTP server with all routes configured
func NewServer(handler *Handler, apiAccessKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	r.Use(gin.Recovery())

	setupRoutes(r, handler, apiAccessKey)

	return r
}

// setupRoutes configures all the application routes
func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	// Peer-facing endpoints (consumed by remote sites)
	r.POST("/friends/request", handler.PostFriendRequest)
	r.POST("/friends/accept", handler.PostFriendAccept)
	r.POST("/inbox", handler.PostInbox)

	r.GET("/health", handler.GetHealth)

	// Admin endpoints (conditionally enabled with authentication)
	if apiAccessKey != "" {
		api := r.Group("/api")
		api.Use(authMiddleware(apiAccessKey))
		{
			api.GET("/relationships", handler.APIListRelationships)
			api.POST("/relationships/friend", handler.APISendFriendRequest)
			api.POST("/relationships/:id/accept", handler.APIAcceptFriendRequest)
			api.POST("/relationships/:id/reject", handler.APIRejectFriendRequest)
			api.DELETE("/relationships/:id", handler.APIRemoveRelationship)
			api.GET("/relationships/:id/feeds", handler.APIListFeeds)
			api.PUT("/relationships/:id/notify", handler.APIUpdateNotifyPrefs)
			api.PUT("/relationships/:id/retention", handler.APIUpdateRetention)
			api.POST("/subscriptions", handler.APISubscribe)
			api.GET("/feeds/:id/items", handler.APIListItems)
			api.PUT("/feeds/:id/rules", handler.APIUpdateRules)
			api.POST("/feeds/:id/refresh", handler.APIRefreshFeed)
			api.GET("/parsers", handler.APIListParsers)
		}
		log.Printf("Admin API endpoints enabled with authentication")
	} else {
		log.Printf("Admin API endpoints disabled (API_ACCESS_KEY not set)")
	}

	// Favicon handler (return 204 to avoid 404s)
	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(204)
	})
}

// authMiddleware creates authentication middleware for the admin API
func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			providedKey = bearerToken(c)
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if providedKey != apiAccessKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
