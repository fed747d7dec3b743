package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/cbg-ethz/sigcomposer/internal/common/metrics"
)

var taskDurationHistogram = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    metrics.MetricPrefix + "background_task_latency_seconds",
		Help:    "Background loop latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	},
	[]string{"task"},
)

type task struct {
	function    func()
	interval    time.Duration
	name        string
	stopChannel chan bool
}

// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks []*task
	wg    *sync.WaitGroup
}

func NewBackgroundTaskManager() *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks: []*task{},
		wg:    &sync.WaitGroup{},
	}
}

// Register runs backgroundTask immediately and then every interval until StopAll is called.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, name string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		name:        name,
		stopChannel: make(chan bool, 1),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll returns true if the tasks did not finish within timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	observer := taskDurationHistogram.WithLabelValues(task.name)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		start := time.Now()
		task.function()
		observer.Observe(time.Since(start).Seconds())

		ticker := time.NewTicker(task.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-task.stopChannel:
				log.WithField("task", task.name).Debug("background task stopped")
				return
			}
			innerStart := time.Now()
			task.function()
			observer.Observe(time.Since(innerStart).Seconds())
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		task.stopChannel <- true
	}
}
