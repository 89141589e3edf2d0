/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package options

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/falconeye-dev/falcon-eye/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet

	HTTPPort        int
	MetricsPort     int
	KubeClientQPS   int
	KubeClientBurst int

	Namespace   string
	DatabaseURL string
	APIToken    string
	// InternalAPIURL is the in-cluster URL that camera, recorder and agent pods
	// use for write-back calls.
	InternalAPIURL string

	JetsonNodes string

	SSHUser    string
	SSHKeyPath string

	ChatSendTimeout      time.Duration
	RecorderReadyTimeout time.Duration
	FileServerPort       int
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("falcon-eye", flag.ContinueOnError)
	opts.FlagSet = f

	f.IntVar(&opts.HTTPPort, "http-port", env.WithDefaultInt("HTTP_PORT", 8000), "The port the HTTP/JSON API binds to")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the controller itself")
	f.IntVar(&opts.KubeClientQPS, "kube-client-qps", env.WithDefaultInt("KUBE_CLIENT_QPS", 200), "The smoothed rate of qps to kube-apiserver")
	f.IntVar(&opts.KubeClientBurst, "kube-client-burst", env.WithDefaultInt("KUBE_CLIENT_BURST", 300), "The maximum allowed burst of queries to the kube-apiserver")

	f.StringVar(&opts.Namespace, "namespace", env.WithDefaultString("NAMESPACE", "falcon-eye"), "The namespace that every managed workload lives in")
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "Postgres connection URL for the durable store")
	f.StringVar(&opts.APIToken, "api-token", env.WithDefaultString("API_TOKEN", ""), "Bearer token required on every API request. Empty disables the check.")
	f.StringVar(&opts.InternalAPIURL, "internal-api-url", env.WithDefaultString("INTERNAL_API_URL", "http://falcon-eye-api.falcon-eye.svc.cluster.local:8000"), "In-cluster URL injected into pods for write-back calls")

	f.StringVar(&opts.JetsonNodes, "jetson-nodes", env.WithDefaultString("JETSON_NODES", ""), "Comma-separated node names that carry the dedicated=jetson:NoSchedule taint")

	f.StringVar(&opts.SSHUser, "ssh-user", env.WithDefaultString("SSH_USER", ""), "SSH user for USB device enumeration on nodes")
	f.StringVar(&opts.SSHKeyPath, "ssh-key-path", env.WithDefaultString("SSH_KEY_PATH", ""), "Path to the SSH private key for USB device enumeration")

	f.DurationVar(&opts.ChatSendTimeout, "chat-send-timeout", env.WithDefaultDuration("CHAT_SEND_TIMEOUT", 120*time.Second), "Upper deadline on a chat turn held under the session lock")
	f.DurationVar(&opts.RecorderReadyTimeout, "recorder-ready-timeout", env.WithDefaultDuration("RECORDER_READY_TIMEOUT", 60*time.Second), "How long to wait for a recorder pod to become ready before failing")
	f.IntVar(&opts.FileServerPort, "file-server-port", env.WithDefaultInt("FILE_SERVER_PORT", 8080), "Port the per-node file-server DaemonSet serves recordings on")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() error {
	if o.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}
	if _, err := url.Parse(o.InternalAPIURL); err != nil {
		return fmt.Errorf("%q not a valid internal-api-url, %w", o.InternalAPIURL, err)
	}
	return nil
}

// JetsonNodeSet is the process-wide set of nodes that require the jetson toleration.
func (o Options) JetsonNodeSet() sets.Set[string] {
	return sets.New(lo.FilterMap(strings.Split(o.JetsonNodes, ","), func(s string, _ int) (string, bool) {
		s = strings.TrimSpace(s)
		return s, s != ""
	})...)
}
