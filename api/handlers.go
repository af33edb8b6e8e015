package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/prodogs/docbatch/catalog"
)

func parseBatchID(c echo.Context) (uint, error) {
	raw := c.Param("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid batch id")
	}
	return uint(id), nil
}

func (s *Server) handleStage(c echo.Context) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	result, err := s.batches.Stage(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleRun(c echo.Context) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	if err := s.batches.Run(c.Request().Context(), id); err != nil {
		if err == catalog.ErrIllegalTransition {
			return echo.NewHTTPError(http.StatusConflict, "batch is not STAGED")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	runCtx := context.Background()
	s.processor.Start(runCtx, id)
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleReset(c echo.Context) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	if err := s.batches.Reset(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleResponses(c echo.Context) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	responses, err := s.workDB.ResponsesForBatch(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, responses)
}

func (s *Server) handleQueueStatus(c echo.Context) error {
	idParam := c.QueryParam("batch_id")
	if idParam == "" {
		throughput, err := s.metrics.RecordLastHourThroughput(c.Request().Context(), s.workDB)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]int64{"completions_last_hour": throughput})
	}
	id, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch_id")
	}
	progress, err := s.metrics.Snapshot(c.Request().Context(), s.workDB, uint(id))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, progress)
}

func (s *Server) handleQueueStart(c echo.Context) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	s.processor.Start(context.Background(), id)
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleQueueStop(c echo.Context) error {
	s.processor.Stop()
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleQueueRestart(c echo.Context) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}
	s.processor.Stop()
	s.processor.Start(context.Background(), id)
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleRecoveryRun(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Minute)
	defer cancel()
	report, err := s.recovery.Run(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}
