package ledgerbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type SubLogger interface {
	Log(msg string)
	Logf(msg string, a ...any)
	Err(msg string)
	Errf(msg string, a ...any)
	Progress(p int) SubLogger
}

// ProgressSink receives every progress line of a job.
type ProgressSink func(ActionProgress)

type actionLogger struct {
	Job   Job
	log   logrus.FieldLogger
	sink  ProgressSink
	mu    sync.Mutex
	Steps map[string]*stepLogger
}

func NewActionLogger(j Job, log logrus.FieldLogger, sink ProgressSink) *actionLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := actionLogger{
		Job:   j,
		log:   log.WithField("job", j.ID),
		sink:  sink,
		Steps: map[string]*stepLogger{},
	}
	return &l
}

func (t *actionLogger) Step(step string) *stepLogger {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.Steps[step]
	if !ok {
		s = &stepLogger{l: t, step: step, start: time.Now()}
		t.Steps[step] = s
	}
	return s
}

type stepLogger struct {
	l        *actionLogger
	step     string
	progress int
	start    time.Time
}

func (t *stepLogger) log(msg string, err bool) {
	p := ActionProgress{
		ActionID:  t.l.Job.ID,
		Progress:  t.progress,
		Step:      t.step,
		Msg:       msg,
		Error:     err,
		StepTaken: time.Since(t.start),
	}

	entry := t.l.log.WithFields(logrus.Fields{
		"step":     p.Step,
		"progress": p.Progress,
		"took":     fmt.Sprintf("%.2fs", p.StepTaken.Seconds()),
	})
	if err {
		entry.Error(msg)
	} else {
		entry.Info(msg)
	}

	if t.l.sink != nil {
		t.l.sink(p)
	}
}

func (t *stepLogger) Progress(p int) SubLogger {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	t.progress = p
	return t
}

func (t *stepLogger) Log(msg string) {
	t.log(msg, false)
}

func (t *stepLogger) Logf(msg string, a ...any) {
	t.log(fmt.Sprintf(msg, a...), false)
}

func (t *stepLogger) Err(msg string) {
	t.log(msg, true)
}

func (t *stepLogger) Errf(msg string, a ...any) {
	t.log(fmt.Sprintf(msg, a...), true)
}

// ConsoleSubLogger logs through logrus only, for work that does not
// belong to a tracked job.
type ConsoleSubLogger struct {
	log      logrus.FieldLogger
	step     string
	progress int
	start    time.Time
}

func NewConsoleSubLogger(log logrus.FieldLogger, step string) *ConsoleSubLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ConsoleSubLogger{log: log, step: step, start: time.Now()}
}

func (t *ConsoleSubLogger) write(msg string, err bool) {
	entry := t.log.WithFields(logrus.Fields{"step": t.step, "progress": t.progress})
	if err {
		entry.Error(msg)
		return
	}
	entry.Info(msg)
}

func (t *ConsoleSubLogger) Progress(p int) SubLogger {
	t.progress = p
	return t
}

func (t *ConsoleSubLogger) Log(msg string) {
	t.write(msg, false)
}

func (t *ConsoleSubLogger) Logf(msg string, a ...any) {
	t.write(fmt.Sprintf(msg, a...), false)
}

func (t *ConsoleSubLogger) Err(msg string) {
	t.write(msg, true)
}

func (t *ConsoleSubLogger) Errf(msg string, a ...any) {
	t.write(fmt.Sprintf(msg, a...), true)
}
