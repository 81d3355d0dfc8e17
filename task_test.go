package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"

	"tilestream/internal/engine"
)

type solidSource struct{ data []byte }

func (s solidSource) Fetch(ctx context.Context, _ maptile.Tile) ([]byte, error) {
	return s.data, nil
}

type stuckSource struct{}

func (stuckSource) Fetch(ctx context.Context, _ maptile.Tile) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func setupTask(t *testing.T) {
	t.Helper()
	conf = &Conf{}
	conf.Output.Directory = t.TempDir()
	conf.Tour.Zoom = 3
	conf.Tour.Width = 16
	conf.Tour.Height = 12
	conf.Tour.TickInterval = time.Millisecond
	conf.Tour.FrameTimeout = 5 * time.Second
	log = logrus.New()
	log.SetOutput(io.Discard)
	BreakPointInst = nil
}

func TestTaskWritesFrames(t *testing.T) {
	setupTask(t)
	c := color.RGBA{R: 30, G: 60, B: 90, A: 255}
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	e, err := engine.New(engine.Config{TileSize: 8}, solidSource{buf.Bytes()}, log)
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Close()

	frames := []orb.Point{{0, 0}, {10, 10}, {10, 10}}
	task := NewTask(frames, TileMap{Name: "solid"}, e)
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for i := range frames {
		f, err := os.Open(filepath.Join(conf.Output.Directory, "solid", fmt.Sprintf("%05d.png", i)))
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		got, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if b := got.Bounds(); b.Dx() != 16 || b.Dy() != 12 {
			t.Errorf("frame %d is %v", i, b)
		}
		if px := color.RGBAModel.Convert(got.At(5, 5)); px != c {
			t.Errorf("frame %d pixel = %v, want %v", i, px, c)
		}
	}
}

func TestTaskAbort(t *testing.T) {
	setupTask(t)
	e, err := engine.New(engine.Config{TileSize: 8}, stuckSource{}, log)
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Close()

	task := NewTask([]orb.Point{{0, 0}}, TileMap{Name: "stuck"}, e)
	task.AbortFun()
	task.AbortFun()
	if err := task.Run(context.Background()); !errors.Is(err, errAborted) {
		t.Errorf("Run error = %v, want errAborted", err)
	}
}
