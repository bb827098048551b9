// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCPA/services/cpa/cancel"
	"github.com/AleutianAI/AleutianCPA/services/cpa/cfa"
	"github.com/AleutianAI/AleutianCPA/services/cpa/engine"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// registerRoutes registers the /v1/cpa endpoints.
//
// Endpoints:
//
//	POST   /v1/cpa/analyze          - Analyze a program (YAML or JSON body)
//	GET    /v1/cpa/results          - List stored reports, newest first
//	GET    /v1/cpa/results/:id      - Get a stored report
//	DELETE /v1/cpa/results/:id      - Delete a stored report
//	POST   /v1/cpa/runs/:id/cancel  - Cancel a running analysis
//	GET    /v1/cpa/health           - Health check
func (s *Server) registerRoutes(rg *gin.RouterGroup) {
	cpa := rg.Group("/cpa")
	cpa.POST("/analyze", s.HandleAnalyze)
	cpa.GET("/results", s.HandleListResults)
	cpa.GET("/results/:id", s.HandleGetResult)
	cpa.DELETE("/results/:id", s.HandleDeleteResult)
	cpa.POST("/runs/:id/cancel", s.HandleCancelRun)
	cpa.GET("/health", s.HandleHealth)
}

// HandleAnalyze handles POST /v1/cpa/analyze.
//
// Description:
//
//	Parses the request body as a program file and analyzes it. The
//	request blocks until the run finishes; the configured time limit
//	bounds it. Closing the connection cancels the run.
//
// Query Parameters:
//
//	name - Program name recorded in the report (default "request")
//
// Response:
//
//	200 OK: AnalyzeResponse, whatever the verdict
//	400 Bad Request: Malformed program
//	413 Request Entity Too Large: Body exceeds server.max_body_bytes
func (s *Server) HandleAnalyze(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := s.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleAnalyze"))

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("Request body too large", slog.Int64("limit", tooLarge.Limit))
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:     "request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
				Code:      "BODY_TOO_LARGE",
				RequestID: requestID,
			})
			return
		}
		logger.Warn("Reading request body failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "Invalid request body",
			Code:      "INVALID_REQUEST",
			RequestID: requestID,
		})
		return
	}

	name := c.DefaultQuery("name", "request")
	program, err := engine.ParseProgram(name, body)
	if err != nil {
		code := "INVALID_PROGRAM"
		if errors.Is(err, cfa.ErrUnsupportedVersion) {
			code = "UNSUPPORTED_VERSION"
		}
		logger.Warn("Invalid program", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			Code:      code,
			RequestID: requestID,
		})
		return
	}

	r, err := s.analyzer.Analyze(c.Request.Context(), program)
	stored := s.results != nil && err == nil
	if err != nil {
		// The report is still valid when only persisting failed.
		logger.Error("Analysis run error", slog.String("error", err.Error()))
	}
	logger.Info("Analysis finished",
		slog.String("run_id", r.ID),
		slog.String("program", name),
		slog.String("status", r.Status),
	)
	c.JSON(http.StatusOK, AnalyzeResponse{Report: r, Stored: stored})
}

// HandleListResults handles GET /v1/cpa/results.
//
// Query Parameters:
//
//	limit - Maximum number of reports (default 20, max 500)
//
// Response:
//
//	200 OK: ListResponse
//	400 Bad Request: Invalid limit
//	503 Service Unavailable: Storage disabled
func (s *Server) HandleListResults(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	if !s.requireResults(c, requestID) {
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     "limit must be a positive integer",
				Code:      "INVALID_LIMIT",
				RequestID: requestID,
			})
			return
		}
		limit = min(n, maxListLimit)
	}

	reports, err := s.results.List(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Listing results failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			Code:      "LIST_FAILED",
			RequestID: requestID,
		})
		return
	}

	resp := ListResponse{Reports: make([]Summary, 0, len(reports)), Count: len(reports)}
	for _, r := range reports {
		resp.Reports = append(resp.Reports, summarize(r))
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetResult handles GET /v1/cpa/results/:id.
func (s *Server) HandleGetResult(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	if !s.requireResults(c, requestID) {
		return
	}

	r, err := s.results.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.resultError(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// HandleDeleteResult handles DELETE /v1/cpa/results/:id.
func (s *Server) HandleDeleteResult(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	if !s.requireResults(c, requestID) {
		return
	}

	if err := s.results.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.resultError(c, requestID, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleCancelRun handles POST /v1/cpa/runs/:id/cancel.
//
// Response:
//
//	202 Accepted: Cancellation requested; the run reports "cancelled"
//	404 Not Found: No such run is active
func (s *Server) HandleCancelRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	id := c.Param("id")

	err := s.analyzer.Controller().Cancel(id, cancel.CancelReason{
		Type:      cancel.CancelUser,
		Message:   "cancelled over HTTP",
		Component: "server",
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		status, code := http.StatusInternalServerError, "CANCEL_FAILED"
		if errors.Is(err, cancel.ErrRunNotFound) {
			status, code = http.StatusNotFound, "RUN_NOT_FOUND"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, RequestID: requestID})
		return
	}
	c.Status(http.StatusAccepted)
}

// HandleHealth handles GET /v1/cpa/health.
func (s *Server) HandleHealth(c *gin.Context) {
	status := s.analyzer.Controller().Status()
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "healthy",
		Version:    s.version,
		ActiveRuns: status.TotalActive,
		Storage:    s.results != nil,
	})
}

func (s *Server) requireResults(c *gin.Context, requestID string) bool {
	if s.results != nil {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:     "result storage is disabled",
		Code:      "STORAGE_DISABLED",
		RequestID: requestID,
	})
	return false
}

func (s *Server) resultError(c *gin.Context, requestID string, err error) {
	if s.notFound != nil && errors.Is(err, s.notFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     err.Error(),
			Code:      "RESULT_NOT_FOUND",
			RequestID: requestID,
		})
		return
	}
	s.logger.Error("Result lookup failed",
		slog.String("request_id", requestID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     err.Error(),
		Code:      "STORAGE_ERROR",
		RequestID: requestID,
	})
}

// getOrCreateRequestID returns the X-Request-ID header, generating one if
// absent, and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
