package httpserver

import (
	"net/http"

	"papertrade/internal/auth"
	"papertrade/internal/health"
	"papertrade/internal/httputil"
	"papertrade/internal/marketdata"
	"papertrade/internal/orders"
	"papertrade/internal/portfolio"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type RouterDeps struct {
	HealthHandler    *health.Handler
	OrderHandler     *orders.Handler
	PortfolioHandler *portfolio.Handler
	MarketHandler    *marketdata.Handler
	AuthHandler      *auth.Handler
	Tokens           *auth.Tokens
	InternalToken    string
	WSOrigin         string
	WSHandler        http.Handler
	Logger           *zap.Logger
}

// withAccount adapts an account-scoped handler to the authenticated group.
func withAccount(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := AccountID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		fn(w, r, accountID)
	}
}

func NewRouter(d RouterDeps) http.Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origin := d.WSOrigin
	if origin == "" {
		origin = "*"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(log))
	r.Use(CORS(origin))
	r.Use(SecurityHeaders)

	r.Get("/health", d.HealthHandler.Live)
	r.Get("/health/ready", d.HealthHandler.Ready)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/instruments", d.MarketHandler.List)
		r.Get("/instruments/{symbol}", d.MarketHandler.Get)
		if d.WSHandler != nil {
			r.Get("/ws", d.WSHandler.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.Tokens))
			r.Post("/trade", withAccount(d.OrderHandler.Place))
			r.Get("/transactions", withAccount(d.OrderHandler.History))
			r.Get("/account", withAccount(d.OrderHandler.Account))
			r.Get("/portfolio", withAccount(d.PortfolioHandler.Get))
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuth(d.InternalToken))
			r.Post("/accounts", d.OrderHandler.CreateAccount)
			r.Post("/quotes", d.MarketHandler.IngestQuotes)
			if d.AuthHandler != nil {
				r.Post("/tokens", d.AuthHandler.Issue)
			}
		})
	})
	return r
}
