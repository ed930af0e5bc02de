// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package asyncjob

import (
	"fmt"
	"log"
	"time"

	"github.com/yakdb/yakdb/reply"
	"github.com/yakdb/yakdb/tablespace"
)

// DefaultGracePeriod is how long a job that wants to terminate keeps
// its snapshot open before the scrub pass reclaims it.
const DefaultGracePeriod = 2 * time.Second

// DefaultForcedScrubInterval is the wall-clock fallback scrub cadence:
// even if the request-count-based scrub trigger never fires because
// the router is idle, a sweep still happens at least this often. This
// resolves the open question of whether scrub passes keep up under
// bursty or idle load by making the ticker, not request volume, the
// floor on scrub latency.
const DefaultForcedScrubInterval = 30 * time.Second

// ScrubEveryNRequests triggers an opportunistic scrub pass after this
// many requests have been handled, so a busy router reclaims
// terminated jobs between ticks rather than waiting for the next
// forced sweep.
const ScrubEveryNRequests = 64

// OpKind identifies the operation a Request asks the router to
// perform.
type OpKind int

const (
	OpInit OpKind = iota
	OpDataRequest
	OpCancel
	OpStop
)

// Request is a single async-job operation submitted to Router.Run.
type Request struct {
	Op         OpKind
	APID       uint64 // ignored for OpInit
	Table      *tablespace.Table
	Start, End []byte
	Reverse    bool
	// ChunkSize and Limit configure a new job at OpInit time (spec.md
	// §4.6); both are ignored for OpDataRequest, which carries nothing
	// but the APID — the job enforces its own fixed chunk size and
	// scan-limit budget on every pull.
	ChunkSize int
	Limit     uint64
	Envelope  reply.Envelope
	Tail      []byte
	Reply     chan<- Response
}

// Response is what a Request's Reply channel receives. Status is only
// meaningful for OpDataRequest.
type Response struct {
	APID   uint64
	Pairs  []KV
	Status PullStatus
	Err    error
}

// Router is the Async Job Router: the single serialized task owning
// every PassiveScanJob and the APID counter used to name them.
type Router struct {
	counter       *APIDCounter
	grace         time.Duration
	forcedScrub   time.Duration
	logger        *log.Logger
	requests      chan Request
	done          chan struct{}
	jobs          map[uint64]*PassiveScanJob
	sinceLastScrub int
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Router) { r.grace = d }
}

// WithForcedScrubInterval overrides DefaultForcedScrubInterval.
func WithForcedScrubInterval(d time.Duration) Option {
	return func(r *Router) { r.forcedScrub = d }
}

// WithLogger directs diagnostic output to l.
func WithLogger(l *log.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds a Router using counter to allocate APIDs.
func NewRouter(counter *APIDCounter, opt ...Option) *Router {
	r := &Router{
		counter:     counter,
		grace:       DefaultGracePeriod,
		forcedScrub: DefaultForcedScrubInterval,
		requests:    make(chan Request, 64),
		done:        make(chan struct{}),
		jobs:        make(map[uint64]*PassiveScanJob),
	}
	for _, o := range opt {
		o(r)
	}
	return r
}

// Requests returns the channel Request values should be sent on.
func (r *Router) Requests() chan<- Request { return r.requests }

// Run serves requests and runs the forced-scrub ticker until Stop is
// called. It must run from exactly one goroutine; every job lookup and
// mutation happens only here, so PassiveScanJob itself needs no
// locking against the router (only against concurrent Produce calls,
// which the router also never issues concurrently for the same job).
func (r *Router) Run() {
	ticker := time.NewTicker(r.forcedScrub)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			r.scrub()
			return
		case req, ok := <-r.requests:
			if !ok {
				r.scrub()
				return
			}
			r.handle(req)
		case now := <-ticker.C:
			r.scrubAt(now)
		}
	}
}

// Stop causes Run to perform a final scrub and return.
func (r *Router) Stop() { close(r.done) }

func (r *Router) handle(req Request) {
	var resp Response
	switch req.Op {
	case OpInit:
		resp = r.init(req)
	case OpDataRequest:
		resp = r.dataRequest(req)
	case OpCancel:
		resp = r.cancel(req)
	case OpStop:
		r.scrub()
	default:
		resp.Err = fmt.Errorf("asyncjob: unknown op %d", req.Op)
	}
	if req.Reply != nil {
		req.Reply <- resp
	}
	r.sinceLastScrub++
	if r.sinceLastScrub >= ScrubEveryNRequests {
		r.scrub()
	}
}

func (r *Router) init(req Request) Response {
	apid, err := r.counter.Next()
	if err != nil {
		return Response{Err: err}
	}
	job, err := NewPassiveScanJob(apid, req.Table, req.Start, req.End, req.Reverse, req.ChunkSize, req.Limit)
	if err != nil {
		return Response{Err: err}
	}
	r.jobs[apid] = job
	return Response{APID: apid}
}

// dataRequest implements spec.md §4.6's ClientDataRequest contract: an
// unknown APID, or one already in its termination grace period, gets
// the same benign "no more data" reply a drained job's own Produce
// call would return — never an error status.
func (r *Router) dataRequest(req Request) Response {
	job, ok := r.jobs[req.APID]
	if !ok {
		return Response{APID: req.APID, Status: PullNoData}
	}
	pairs, status := job.Produce()
	return Response{APID: req.APID, Pairs: pairs, Status: status}
}

func (r *Router) cancel(req Request) Response {
	job, ok := r.jobs[req.APID]
	if !ok {
		return Response{APID: req.APID}
	}
	job.RequestTermination()
	return Response{APID: req.APID}
}

func (r *Router) scrub() { r.scrubAt(time.Now()) }

func (r *Router) scrubAt(now time.Time) {
	r.sinceLastScrub = 0
	var dead []uint64
	for apid, job := range r.jobs {
		if job.ReadyToScrub(r.grace, now) {
			dead = append(dead, apid)
		}
	}
	for _, apid := range dead {
		r.jobs[apid].Release()
		delete(r.jobs, apid)
		r.logf("scrubbed APID %d", apid)
	}
}

// Len reports the number of jobs currently tracked, live or awaiting
// scrub.
func (r *Router) Len() int { return len(r.jobs) }

func (r *Router) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
