// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"net/http"
	httppprof "net/http/pprof"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parca-dev/stack-sampler/pkg/pprof"
)

type profileSource interface {
	PID() int
	Threads() []int
	Samples(tid int) int
	Profile() (*profile.Profile, error)
}

func newMux(logger log.Logger, reg *prometheus.Registry, src profileSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		prof, err := src.Profile()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if r.URL.Query().Get("debug") == "1" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, "<p><a href='/profile'>Download Pprof</a></p>\n")
			fmt.Fprint(w, "<code><pre>\n")
			fmt.Fprint(w, prof.String())
			fmt.Fprint(w, "\n</pre></code>")
			return
		}

		w.Header().Set("Content-Type", "application/vnd.google.protobuf+gzip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment;filename=stack-sampler-%d.pb.gz", src.PID()))
		if err := pprof.Write(w, prof); err != nil {
			level.Error(logger).Log("msg", "failed to write profile", "err", err)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<p><b>Sampled Threads of Process %d</b></p><br/>\n", src.PID())
		for _, tid := range src.Threads() {
			fmt.Fprintf(w, "%d: %d samples<br/>\n", tid, src.Samples(tid))
		}
		fmt.Fprint(w, "<a href='/profile?debug=1'>/profile</a><br/>\n")

		fmt.Fprint(w, "<p><b>Prometheus Metrics</b></p><br/>\n")
		fmt.Fprint(w, "<a href='/metrics'>/metrics</a><br/>\n")

		fmt.Fprint(w, "<p><b>Own Golang Profiles</b></p><br/>\n")
		fmt.Fprint(w, "<a href='/debug/pprof/'>/debug/pprof</a><br/>\n")
	})
	return mux
}
