// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package rule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/log"
	"github.com/quickmsg/halia/pkg/schema"
)

const (
	logMaxSize     = 8 << 20 // rotate past 8 MiB
	rotatedMaxAge  = 7 * 24 * time.Hour
	rotatedSuffix  = ".1"
	logFilePattern = "*.log" + rotatedSuffix
)

// ruleLogger appends rule-scoped messages to a per-rule file with size
// rotation. All log nodes of one rule share one logger.
type ruleLogger struct {
	path string
	in   *channel.Unicast[schema.RuleMessageBatch]
	done chan struct{}
}

func newRuleLogger(dir, ruleID string, stop <-chan struct{}) (*ruleLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	l := &ruleLogger{
		path: filepath.Join(dir, ruleID+".log"),
		in:   channel.NewUnicast[schema.RuleMessageBatch](0),
		done: make(chan struct{}),
	}
	go l.run(stop)
	return l, nil
}

func (l *ruleLogger) sender() *channel.Unicast[schema.RuleMessageBatch] {
	return l.in
}

func (l *ruleLogger) join() {
	<-l.done
}

func (l *ruleLogger) run(stop <-chan struct{}) {
	defer close(l.done)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Errorf("rule logger %s: %v", l.path, err)
		return
	}
	defer func() { f.Close() }()

	written := int64(0)
	if st, err := f.Stat(); err == nil {
		written = st.Size()
	}

	for {
		select {
		case <-stop:
			return
		case <-l.in.Notify():
			for {
				rmb, ok := l.in.TryRecv()
				if !ok {
					break
				}
				mb := rmb.Take()
				name := ""
				if v, ok := mb.Metadata("log"); ok {
					name, _ = v.(string)
				}
				payload, err := json.Marshal(mb)
				if err != nil {
					continue
				}
				line := fmt.Sprintf("%s %s %s\n", time.Now().Format(time.RFC3339Nano), name, payload)
				n, err := f.WriteString(line)
				if err != nil {
					log.Warnf("rule logger %s: %v", l.path, err)
					continue
				}
				written += int64(n)
				if written >= logMaxSize {
					f = l.rotate(f)
					written = 0
				}
			}
		}
	}
}

// rotate moves the live file aside (overwriting an older rotation) and
// reopens a fresh one.
func (l *ruleLogger) rotate(f *os.File) *os.File {
	f.Close()
	if err := os.Rename(l.path, l.path+rotatedSuffix); err != nil {
		log.Warnf("rotate %s: %v", l.path, err)
	}
	nf, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Errorf("reopen %s: %v", l.path, err)
		return f
	}
	return nf
}

// SweepRotatedLogs deletes rotated rule logs past their age. Scheduled by
// the task manager.
func SweepRotatedLogs(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, logFilePattern))
	if err != nil {
		return
	}
	for _, path := range matches {
		if !strings.HasSuffix(path, rotatedSuffix) {
			continue
		}
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		if time.Since(st.ModTime()) > rotatedMaxAge {
			if err := os.Remove(path); err != nil {
				log.Warnf("sweep %s: %v", path, err)
			} else {
				log.Debugf("swept rotated rule log %s", path)
			}
		}
	}
}
