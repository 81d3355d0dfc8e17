package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

var BreakPointInst *BreakPoint

func InitBreakPoint() {
	name := conf.Tm.Name
	if conf.Tour.Geojson != "" {
		name += "-" + filepath.Base(conf.Tour.Geojson)
	}
	bp, err := NewBreakPoint(conf.BreakPoint.SaveFilePath, name)
	if err != nil {
		log.Fatalf("break point file open is error: %s", err)
	}
	BreakPointInst = bp
	SafeExitInst.Register(BreakPointInst.Close)
	log.Infof("断点记录任务已开始, %d frames already written", len(bp.written))
}

// BreakPoint remembers which tour frames were written so an interrupted
// tour resumes where it stopped. One frame index per line.
type BreakPoint struct {
	file     *os.File
	saveChan chan int
	written  map[int]struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewBreakPoint(dir, name string) (*BreakPoint, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.log", name))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	b := &BreakPoint{
		file:     file,
		saveChan: make(chan int, 16),
		written:  readBreakPoint(file),
	}
	b.wg.Add(1)
	go b.run()
	return b, nil
}

// 读取断点记录
func readBreakPoint(file *os.File) map[int]struct{} {
	res := make(map[int]struct{})
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		n, err := strconv.Atoi(sc.Text())
		if err != nil {
			continue
		}
		res[n] = struct{}{}
	}
	return res
}

// Done reports whether frame was written by an earlier run.
func (b *BreakPoint) Done(frame int) bool {
	_, ok := b.written[frame]
	return ok
}

// Record queues frame for the break point file.
func (b *BreakPoint) Record(frame int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.saveChan <- frame
}

func (b *BreakPoint) run() {
	defer b.wg.Done()
	for frame := range b.saveChan {
		if _, err := fmt.Fprintf(b.file, "%d\n", frame); err != nil && log != nil {
			log.Errorf("write break point error: %s", err)
		}
	}
}

// Close flushes queued records and closes the file.
func (b *BreakPoint) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.saveChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.file.Close()
	if log != nil {
		log.Infof("断点记录任务已安全退出")
	}
}
