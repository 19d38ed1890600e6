package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/deploy"
	"github.com/fyrsmithlabs/autopilot/internal/loop"
	"github.com/fyrsmithlabs/autopilot/internal/state"
)

func actor(c echo.Context) string {
	if a := c.Request().Header.Get(HeaderActor); a != "" {
		return a
	}
	return DefaultActor
}

func limit(c echo.Context) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *config.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrIllegalTransition),
		errors.Is(err, state.ErrAlreadyResolved),
		errors.Is(err, deploy.ErrNothingToPromote),
		errors.Is(err, deploy.ErrPromotionPending),
		errors.Is(err, loop.ErrDeployDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c echo.Context, err error) error {
	code := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		resp.Problems = verr.Problems
	}
	if code == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(code, resp)
}

// handleHealth reports liveness. Degraded telemetry is reported but does
// not fail the check.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.telemetry != nil {
		h := s.telemetry.Health()
		resp.Telemetry = &h
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.ctrl.Status(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// handleTransition runs a run state change and answers with the new
// status.
func (s *Server) handleTransition(fn func(ctx context.Context, actor string) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if err := fn(ctx, actor(c)); err != nil {
			return s.writeError(c, err)
		}
		st, err := s.ctrl.Status(ctx)
		if err != nil {
			return s.writeError(c, err)
		}
		return c.JSON(http.StatusOK, st)
	}
}

func (s *Server) handleApprovals(c echo.Context) error {
	reqs := s.ctrl.Approvals()
	if reqs == nil {
		reqs = []state.ApprovalRequest{}
	}
	return c.JSON(http.StatusOK, reqs)
}

func (s *Server) handleDecide(approve bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		taskID := c.Param("task")
		if taskID == "" {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "task id is required"})
		}
		req, err := s.ctrl.Decide(c.Request().Context(), taskID, approve, actor(c))
		if err != nil {
			return s.writeError(c, err)
		}
		return c.JSON(http.StatusOK, req)
	}
}

func (s *Server) handleReports(c echo.Context) error {
	reports, err := s.ctrl.Reports(c.Request().Context(), limit(c))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, reports)
}

func (s *Server) handleTransitions(c echo.Context) error {
	trs, err := s.ctrl.Transitions(c.Request().Context(), limit(c))
	if err != nil {
		return s.writeError(c, err)
	}
	if trs == nil {
		trs = []state.Transition{}
	}
	return c.JSON(http.StatusOK, trs)
}

// A client disconnect must not abort a deployment or a cycle it
// triggered.
func (s *Server) handlePromote(c echo.Context) error {
	run, err := s.ctrl.Promote(context.WithoutCancel(c.Request().Context()))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleCycle(c echo.Context) error {
	rep, err := s.ctrl.RunCycle(context.WithoutCancel(c.Request().Context()))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, rep)
}
