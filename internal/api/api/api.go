package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/wb-go/wbf/ginext"

	"bdcreg/cmd/middleware"
	"bdcreg/internal/service"
)

type Routers struct {
	Service service.Service
}

func NewRouters(r *Routers) *ginext.Engine {
	app := ginext.New("release")

	app.Use(middleware.LoggingMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type"},
	}))
	apiGroup := app.Group("/v1")

	apiGroup.POST("/payments", r.Service.InitiatePayment)
	apiGroup.POST("/payments/status", r.Service.CheckStatus)
	apiGroup.POST("/payments/callback", r.Service.PaymentCallback)

	app.GET("/health", func(c *ginext.Context) {
		c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	return app
}
