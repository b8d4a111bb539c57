package handlers

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/session"
)

// SnapshotURLs 返回画布最新快照的下载地址（snapshot.Publisher 实现）。
type SnapshotURLs interface {
	URL(ctx context.Context, canvasID string) (string, error)
}

type CanvasHandler struct {
	sessions *session.Manager
	urls     SnapshotURLs
	log      *slog.Logger
}

// NewCanvasHandler builds the REST handlers. urls may be nil when no blob store is configured.
func NewCanvasHandler(sessions *session.Manager, urls SnapshotURLs, log *slog.Logger) *CanvasHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CanvasHandler{sessions: sessions, urls: urls, log: log}
}

// Register mounts the canvas routes on g (already behind auth).
func (h *CanvasHandler) Register(g *gin.RouterGroup) {
	g.POST("/canvases", h.CreateCanvas)
	g.GET("/canvases/:id", h.GetCanvas)
	g.GET("/canvases/:id/snapshot", h.GetSnapshot)
	g.GET("/canvases/:id/cells", h.GetCells)
}

type createCanvasReq struct {
	Name            string `json:"name" binding:"required"`
	BackgroundColor string `json:"backgroundColor"`
}

func (h *CanvasHandler) CreateCanvas(c *gin.Context) {
	uid := c.GetString("uid")
	if uid == "" {
		c.JSON(500, gin.H{"error": "User context missing"})
		return
	}
	var req createCanvasReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cv, err := h.sessions.Create(c.Request.Context(), uid, req.Name, req.BackgroundColor)
	if err != nil {
		h.fail(c, "create canvas", err)
		return
	}
	c.JSON(http.StatusCreated, cv)
}

func (h *CanvasHandler) GetCanvas(c *gin.Context) {
	cv, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get canvas", err)
		return
	}
	c.JSON(http.StatusOK, cv)
}

func (h *CanvasHandler) GetSnapshot(c *gin.Context) {
	if h.urls == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot store not configured"})
		return
	}
	id := c.Param("id")
	if _, err := h.sessions.Get(c.Request.Context(), id); err != nil {
		h.fail(c, "get canvas", err)
		return
	}
	url, err := h.urls.URL(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "snapshot url", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canvasId": id, "url": url})
}

type cellView struct {
	Cell int `json:"cell"`
	Row  int `json:"row"`
	Col  int `json:"col"`
	canvas.Resolved
}

// GetCells resolves every cell from a fresh read of the log.
func (h *CanvasHandler) GetCells(c *gin.Context) {
	cv, grid, err := h.sessions.Grid(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "read cells", err)
		return
	}
	cells := make([]cellView, len(grid))
	for i, r := range grid {
		row, col := canvas.CellIndex(i).Coords(cv.GridWidth)
		cells[i] = cellView{Cell: i, Row: row, Col: col, Resolved: r}
	}
	c.JSON(http.StatusOK, gin.H{"canvas": cv, "cells": cells})
}

func (h *CanvasHandler) fail(c *gin.Context, op string, err error) {
	var te *session.TransportError
	switch {
	case errors.Is(err, canvas.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, fs.ErrNotExist):
		// 还没有人画过，快照不存在
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot yet"})
	case errors.Is(err, canvas.ErrInvalidColor):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &te):
		h.log.Warn(op+" failed", "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
	default:
		h.log.Error(op+" failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Healthz 只检查进程存活。
func Healthz(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "ok",
	})
}
