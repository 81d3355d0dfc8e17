package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/teris-io/shortid"
	pb "gopkg.in/cheggaaa/pb.v1"

	"tilestream/internal/engine"
	"tilestream/internal/render"
)

var errAborted = errors.New("task aborted")

func InitTask() {
	start := time.Now()

	collection, err := loadCollection(conf.Tour.Geojson)
	if err != nil {
		log.Fatal(err)
	}
	line := routeLine(collection)
	frames, err := interpolate(line, conf.Tour.Steps)
	if err != nil {
		log.Fatalf("tour %s: %s", conf.Tour.Geojson, err)
	}
	log.Infof("route covers %d tiles at zoom %d", routeTiles(line, conf.Tour.Zoom), conf.Tour.Zoom)

	tm := conf.TileMap()
	src, err := tm.Source(nil)
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := conf.EngineConfig()
	if err != nil {
		log.Fatal(err)
	}
	e, err := engine.New(cfg, src, log)
	if err != nil {
		log.Fatal(err)
	}
	e.Start()
	SafeExitInst.Register(e.Close)

	if conf.Metrics.Addr != "" {
		serveMetrics(conf.Metrics.Addr, e)
	}

	task := NewTask(frames, tm, e)
	// 注册安全退出
	SafeExitInst.Register(task.AbortFun)

	if err := task.Run(SafeExitInst.Context()); err != nil {
		log.Errorf("task %s stopped: %s", task.ID, err)
	}
	SafeExitInst.Cleanup()

	secs := time.Since(start).Seconds()
	log.Printf("%.3fs finished...", secs)
}

func serveMetrics(addr string, e *engine.Engine) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.Metrics().Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %s", err)
		}
	}()
	SafeExitInst.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	log.Infof("metrics served on %s/metrics", addr)
}

// Task 巡游任务: flies the viewport along a route and writes one frame per
// stop.
type Task struct {
	ID           string
	Name         string
	Dir          string
	Frames       []orb.Point
	Zoom         int
	Width        int
	Height       int
	TickInterval time.Duration
	FrameTimeout time.Duration
	Bar          *pb.ProgressBar

	engine    *engine.Engine
	abort     chan struct{}
	abortOnce sync.Once
}

// NewTask 创建巡游任务
func NewTask(frames []orb.Point, m TileMap, e *engine.Engine) *Task {
	id, _ := shortid.Generate()
	task := &Task{
		ID:           id,
		Name:         m.Name,
		Dir:          filepath.Join(conf.Output.Directory, m.Name),
		Frames:       frames,
		Zoom:         conf.Tour.Zoom,
		Width:        conf.Tour.Width,
		Height:       conf.Tour.Height,
		TickInterval: conf.Tour.TickInterval,
		FrameTimeout: conf.Tour.FrameTimeout,
		engine:       e,
		abort:        make(chan struct{}),
	}
	if task.TickInterval <= 0 {
		task.TickInterval = 10 * time.Millisecond
	}
	if task.FrameTimeout <= 0 {
		task.FrameTimeout = 30 * time.Second
	}
	return task
}

// 结束任务
func (task *Task) AbortFun() {
	task.abortOnce.Do(func() { close(task.abort) })
}

// Run renders every frame not yet recorded by the break point.
func (task *Task) Run(ctx context.Context) error {
	log.Infof("task %s: %d frames of %s at zoom %d", task.ID, len(task.Frames), task.Name, task.Zoom)
	task.Bar = pb.New(len(task.Frames)).Prefix(fmt.Sprintf("Tour %s : ", task.Name)).Postfix("\n")
	task.Bar.SetRefreshRate(time.Second)
	task.Bar.Start()
	defer task.Bar.Finish()

	for i, center := range task.Frames {
		if BreakPointInst != nil && BreakPointInst.Done(i) {
			log.Debugf("frame %d already written, skipping", i)
			task.Bar.Increment()
			continue
		}
		scope := render.ScopeMove
		if i == 0 {
			scope = render.ScopeFull
		}
		task.engine.SetViewport(center, task.Zoom, task.Width, task.Height, scope)
		settled, err := task.settle(ctx)
		if err != nil {
			return err
		}
		if !settled {
			log.Warnf("frame %d not settled after %s, writing it as is", i, task.FrameTimeout)
		}
		if err := saveFrame(task.Dir, i, task.engine.FrontImage()); err != nil {
			return fmt.Errorf("save frame %d: %w", i, err)
		}
		if BreakPointInst != nil {
			BreakPointInst.Record(i)
		}
		task.Bar.Increment()
	}
	task.Bar.FinishPrint(fmt.Sprintf("Task %s finished ~", task.ID))
	return nil
}

// settle ticks the engine until it has nothing left to do or the frame
// timeout passes.
func (task *Task) settle(ctx context.Context) (bool, error) {
	ticker := time.NewTicker(task.TickInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(task.FrameTimeout)
	defer timeout.Stop()
	for {
		if _, err := task.engine.Tick(ctx); err != nil {
			return false, err
		}
		if task.engine.Settled() {
			return true, nil
		}
		select {
		case <-ticker.C:
		case <-timeout.C:
			// consume whatever pass finished last
			task.engine.Tick(ctx)
			return false, nil
		case <-task.abort:
			log.Infof("Task %s got canceled.", task.Name)
			return false, errAborted
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
