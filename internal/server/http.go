package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DominicWuest/dllbisect/pkg/dllbisect"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type httpServer struct {
	trials chan *dllbisect.PendingTrial

	mu        sync.Mutex
	trialMap  map[string]*dllbisect.PendingTrial
	unclaimed []*dllbisect.PendingTrial // Trials taken from the channel whose client went away before getting them

	report atomic.Pointer[dllbisect.Report]

	router *gin.Engine
	srv    *http.Server
}

func (h *httpServer) Init(port int, opts Options) error {
	h.setup(opts)

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return err
	}
	h.srv = &http.Server{Handler: h.router}

	go func() {
		if err := h.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Webserver stopped - %v", err)
		}
	}()
	return nil
}

// setup creates the router without starting to listen
func (h *httpServer) setup(opts Options) {
	h.trials = opts.Trials
	h.trialMap = make(map[string]*dllbisect.PendingTrial)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/report", h.getReport)
	if h.trials != nil {
		router.GET("/trial", h.getTrial)
		router.POST("/pass/:trialId", h.postPass)
		router.POST("/fail/:trialId", h.postFail)
	}
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	h.router = router
}

func (h *httpServer) SetReport(report *dllbisect.Report) {
	h.report.Store(report)
}

func (h *httpServer) Close(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}
	return h.srv.Shutdown(ctx)
}

type trialResponse struct {
	TrialID string `json:"trialId"`

	TargetID   string `json:"targetId"`
	TargetRoot string `json:"targetRoot"`

	Created time.Time `json:"created"`
}

// getTrial blocks until the engine has materialized the next trial
func (h *httpServer) getTrial(c *gin.Context) {
	trial := h.nextTrial(c.Request.Context())
	if trial == nil {
		c.AbortWithStatus(http.StatusRequestTimeout)
		return
	}

	// The client may have left while the trial was handed over, keep it for the next one
	if c.Request.Context().Err() != nil {
		h.mu.Lock()
		h.unclaimed = append(h.unclaimed, trial)
		h.mu.Unlock()
		c.AbortWithStatus(http.StatusRequestTimeout)
		return
	}

	h.mu.Lock()
	h.trialMap[trial.ID] = trial
	h.mu.Unlock()

	c.JSON(http.StatusOK, trialResponse{
		TrialID: trial.ID,

		TargetID:   trial.Target.ID,
		TargetRoot: trial.Target.Root,

		Created: trial.Created,
	})
}

// nextTrial returns an unclaimed trial or waits for a new one. Returns nil if ctx ends first.
func (h *httpServer) nextTrial(ctx context.Context) *dllbisect.PendingTrial {
	h.mu.Lock()
	if len(h.unclaimed) > 0 {
		trial := h.unclaimed[0]
		h.unclaimed = h.unclaimed[1:]
		h.mu.Unlock()
		return trial
	}
	h.mu.Unlock()

	select {
	case trial := <-h.trials:
		return trial
	case <-ctx.Done():
		return nil
	}
}

func (h *httpServer) postPass(c *gin.Context) {
	h.rate(c, (*dllbisect.PendingTrial).Pass)
}

func (h *httpServer) postFail(c *gin.Context) {
	h.rate(c, (*dllbisect.PendingTrial).Fail)
}

func (h *httpServer) rate(c *gin.Context, rate func(*dllbisect.PendingTrial)) {
	id := c.Param("trialId")

	h.mu.Lock()
	trial, found := h.trialMap[id]
	delete(h.trialMap, id)
	h.mu.Unlock()

	if !found {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	rate(trial)
	c.AbortWithStatus(http.StatusOK)
}

func (h *httpServer) getReport(c *gin.Context) {
	report := h.report.Load()
	if report == nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, report.View())
}
