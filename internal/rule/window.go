// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package rule

import (
	"time"

	"github.com/quickmsg/halia/pkg/channel"
	"github.com/quickmsg/halia/pkg/schema"
)

// runWindow owns a single task that reads from its one incoming receiver,
// applies the windowing policy and emits aggregated batches on the
// broadcast sender.
func runWindow(
	conf *WindowConf,
	in *channel.Subscriber[schema.RuleMessageBatch],
	out *channel.Broadcast[schema.RuleMessageBatch],
	stop <-chan struct{},
	done func(),
) {
	go func() {
		defer done()
		defer in.Close()

		var buf []*schema.Message
		emitWindow := func(window []*schema.Message) {
			if len(window) == 0 {
				return
			}
			batch := schema.NewMessageBatch()
			for _, m := range window {
				batch.Push(m)
			}
			consumers := out.SubscriberCount()
			if consumers == 0 {
				return
			}
			out.Publish(schema.FromBatch(batch, consumers))
		}

		var tick <-chan time.Time
		if conf.By == WindowByTime && conf.Mode == WindowTumbling {
			t := time.NewTicker(time.Duration(conf.Interval) * time.Millisecond)
			defer t.Stop()
			tick = t.C
		}

		for {
			select {
			case <-stop:
				return

			case <-tick:
				emitWindow(buf)
				buf = nil

			case rmb, ok := <-in.C():
				if !ok {
					return
				}
				mb := rmb.Take()
				for _, m := range mb.Messages() {
					buf = append(buf, m)
				}

				switch {
				case conf.By == WindowByCount && conf.Mode == WindowTumbling:
					for len(buf) >= conf.Count {
						emitWindow(buf[:conf.Count])
						buf = append([]*schema.Message(nil), buf[conf.Count:]...)
					}
				case conf.By == WindowByCount && conf.Mode == WindowSliding:
					if len(buf) > conf.Count {
						buf = buf[len(buf)-conf.Count:]
					}
					if len(buf) == conf.Count {
						emitWindow(buf)
					}
				case conf.By == WindowByTime && conf.Mode == WindowSliding:
					// no buffering and no use of Interval: every arrival is
					// emitted as a window of its own
					emitWindow(buf)
					buf = nil
				}
			}
		}
	}()
}

// runMerge forwards every incoming receiver into one broadcast sender,
// one task per incoming edge.
func runMerge(
	ins []*channel.Subscriber[schema.RuleMessageBatch],
	out *channel.Broadcast[schema.RuleMessageBatch],
	stop <-chan struct{},
	done func(),
) {
	for _, in := range ins {
		sub := in
		go func() {
			defer done()
			defer sub.Close()
			for {
				select {
				case <-stop:
					return
				case rmb, ok := <-sub.C():
					if !ok {
						return
					}
					mb := rmb.Take()
					consumers := out.SubscriberCount()
					if consumers == 0 {
						continue
					}
					out.Publish(schema.FromBatch(mb, consumers))
				}
			}
		}()
	}
}
