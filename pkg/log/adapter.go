package log

import "github.com/sirupsen/logrus"

// BadgerLogrusAdapter bridges badger.Logger onto a contextual logrus entry
// so journal output carries the same fields as the rest of the run.
type BadgerLogrusAdapter struct {
	entry *logrus.Entry
}

func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry: entry}
}

func (l *BadgerLogrusAdapter) Errorf(f string, v ...interface{}) { l.entry.Errorf(f, v...) }

func (l *BadgerLogrusAdapter) Warningf(f string, v ...interface{}) { l.entry.Warningf(f, v...) }

// Infof maps to Debug: badger narrates compactions and value-log activity
// at info level, which drowns out the crawl's own progress lines.
func (l *BadgerLogrusAdapter) Infof(f string, v ...interface{}) { l.entry.Debugf(f, v...) }

func (l *BadgerLogrusAdapter) Debugf(f string, v ...interface{}) { l.entry.Debugf(f, v...) }
