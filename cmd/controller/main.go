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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/falconeye-dev/falcon-eye/pkg/operator"
	"github.com/falconeye-dev/falcon-eye/pkg/operator/options"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := options.New().MustParse()
	op, err := operator.NewOperator(ctx, opts)
	if err != nil {
		log.Log.Error(err, "starting control plane")
		os.Exit(1)
	}
	if err := op.Start(ctx); err != nil {
		log.Log.Error(err, "control plane exited")
		os.Exit(1)
	}
}
