package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpy/paths"
	"github.com/psds-microservice/repair-service/api"
	"github.com/psds-microservice/repair-service/internal/handler"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type Handlers struct {
	Requests      *handler.RequestHandler
	Notifications *handler.NotificationHandler
	Events        *handler.EventsHandler
}

func New(h Handlers) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(paths.PathHealth, gin.WrapF(handler.Health))
	r.GET(paths.PathReady, gin.WrapF(handler.Ready))
	r.GET(paths.PathSwagger, func(c *gin.Context) { c.Redirect(http.StatusFound, paths.PathSwagger+"/") })
	r.GET(paths.PathSwagger+"/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") == "openapi.json" {
			c.Data(http.StatusOK, "application/json", api.OpenAPISpec)
			return
		}
		if strings.TrimPrefix(c.Param("any"), "/") == "" {
			c.Request.URL.Path = paths.PathSwagger + "/index.html"
			c.Request.RequestURI = paths.PathSwagger + "/index.html"
		}
		ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/openapi.json"))(c)
	})

	v1 := r.Group("/api/v1", handler.Identity())
	{
		v1.POST("/requests", h.Requests.Create)
		v1.GET("/requests", h.Requests.List)
		v1.GET("/requests/:id", h.Requests.Get)
		v1.POST("/requests/:id/assign", h.Requests.Assign)
		v1.POST("/requests/:id/accept", h.Requests.Accept)
		v1.POST("/requests/:id/reject", h.Requests.Reject)
		v1.POST("/requests/:id/start", h.Requests.Start)
		v1.POST("/requests/:id/hold", h.Requests.Hold)
		v1.POST("/requests/:id/complete", h.Requests.Complete)
		v1.POST("/requests/:id/cancel", h.Requests.Cancel)

		v1.GET("/events", h.Events.Stream)

		v1.GET("/notifications", h.Notifications.List)
		v1.POST("/notifications/:id/read", h.Notifications.MarkRead)
		v1.POST("/notifications/read-all", h.Notifications.MarkAllRead)
	}

	return r
}
