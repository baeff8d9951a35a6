package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

var ErrPoolClosed = errors.New("worker pool is closed")

type WorkerPool struct {
	config    Config
	taskQueue chan Task
	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups the tasks of one caller so that their results can be
// collected together while other rooms share the same workers.
type Room struct {
	resultChan chan interface{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
	wp         *WorkerPool
}

type Task struct {
	run  func() interface{}
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		numberOfCPUs := runtime.NumCPU()
		numberOfWorkers := (numberOfCPUs * 3)
		config.WorkerCount = numberOfWorkers
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// Close stops the workers once the queued tasks are drained. Tasks submitted
// after Close fail with ErrPoolClosed.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.closeMu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.closeMu.Unlock()
	})
}

// CreateRoom returns a room whose result buffer holds size results without
// blocking the workers.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	if size < 1 {
		size = 1
	}
	return &Room{
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global queue is full.
func (ro *Room) NewTaskWaitForFreeSlot(job func() interface{}) error {
	ro.wp.closeMu.RLock()
	defer ro.wp.closeMu.RUnlock()
	if ro.wp.closed {
		return ErrPoolClosed
	}

	ro.wg.Add(1)
	ro.wp.taskQueue <- Task{run: job, room: ro}
	return nil
}

// Collect waits for every task of the room and returns their results in
// completion order. No tasks may be added to the room afterwards.
func (ro *Room) Collect() []interface{} {
	go ro.waitAndClose()
	results := make([]interface{}, 0, cap(ro.resultChan))

	for result := range ro.resultChan {
		results = append(results, result)
	}

	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	ro.closeOnce.Do(func() { close(ro.resultChan) })
}
