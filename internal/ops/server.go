// Package ops exposes a read-only operational API: health probes and
// introspection over systems and grants for operators watching failure
// counters.
package ops

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/reservio/accessgate/internal/models"
	"github.com/reservio/accessgate/internal/store"
)

// Server wraps the Fiber app serving the ops endpoints.
type Server struct {
	app    *fiber.App
	store  *store.Store
	logger zerolog.Logger
}

// New creates the ops server and registers its routes.
func New(st *store.Store, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		app:    app,
		store:  st,
		logger: logger.With().Str("component", "ops").Logger(),
	}

	app.Get("/healthz", s.handleHealthz)
	app.Get("/readyz", s.handleReadyz)

	v1 := app.Group("/api/v1")
	v1.Get("/systems", s.handleListSystems)
	v1.Get("/systems/:id/objects", s.handleListObjects)
	v1.Get("/grants", s.handleListGrants)

	return s
}

// App returns the underlying Fiber app (for testing).
func (s *Server) App() *fiber.App { return s.app }

// Start listens on the given address. Blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("ops API listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleReadyz(c *fiber.Ctx) error {
	if err := s.store.DB().Ping(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "down",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type systemView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DriverKind   string `json:"driver_kind"`
	Leeway       int    `json:"reservation_leeway_minutes"`
	Bindings     int    `json:"bindings"`
	ActiveGrants int    `json:"active_grants"`
}

// handleListSystems lists systems with grant counts. Driver config stays
// private: it carries credentials.
func (s *Server) handleListSystems(c *fiber.Ctx) error {
	systems, err := s.store.ListSystems()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	views := make([]systemView, 0, len(systems))
	for _, sys := range systems {
		bindings, err := s.store.ListBindings(sys.ID)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		active, err := s.store.CountActiveGrantsForSystem(sys.ID)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		views = append(views, systemView{
			ID:           sys.ID,
			Name:         sys.Name,
			DriverKind:   sys.DriverKind,
			Leeway:       sys.ReservationLeewayMinutes,
			Bindings:     len(bindings),
			ActiveGrants: active,
		})
	}
	return c.JSON(fiber.Map{"systems": views})
}

// handleListObjects exposes the system's cached remote objects (access-point
// groups, credential profiles and the like). Only the object cache leaves the
// driver data; the rest of it carries session tokens.
func (s *Server) handleListObjects(c *fiber.Ctx) error {
	system, err := s.store.GetSystem(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if system == nil {
		return fiber.NewError(fiber.StatusNotFound, "system not found")
	}
	data, err := s.store.GetDriverData(system.ID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	cache, _ := data["object_cache"].(map[string]any)
	if cache == nil {
		cache = map[string]any{}
	}
	return c.JSON(fiber.Map{"objects": cache})
}

type grantView struct {
	ID                   string `json:"id"`
	BindingID            string `json:"binding_id"`
	ReservationID        string `json:"reservation_id"`
	State                string `json:"state"`
	StartsAt             string `json:"starts_at"`
	EndsAt               string `json:"ends_at"`
	InstallAt            string `json:"install_at,omitempty"`
	RemoveAt             string `json:"remove_at,omitempty"`
	InstallationFailures int    `json:"installation_failures"`
	RemovalFailures      int    `json:"removal_failures"`
}

func (s *Server) handleListGrants(c *fiber.Ctx) error {
	state := models.GrantState(c.Query("state"))
	limit := c.QueryInt("limit", 100)

	grants, err := s.store.ListGrants(state, limit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	views := make([]grantView, 0, len(grants))
	for _, g := range grants {
		v := grantView{
			ID:                   g.ID,
			BindingID:            g.BindingID,
			ReservationID:        g.ReservationID,
			State:                string(g.State),
			StartsAt:             g.StartsAt.Format("2006-01-02T15:04:05Z07:00"),
			EndsAt:               g.EndsAt.Format("2006-01-02T15:04:05Z07:00"),
			InstallationFailures: g.InstallationFailures,
			RemovalFailures:      g.RemovalFailures,
		}
		if g.InstallAt != nil {
			v.InstallAt = g.InstallAt.Format("2006-01-02T15:04:05Z07:00")
		}
		if g.RemoveAt != nil {
			v.RemoveAt = g.RemoveAt.Format("2006-01-02T15:04:05Z07:00")
		}
		views = append(views, v)
	}
	return c.JSON(fiber.Map{"grants": views})
}
