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

package tools

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
)

var ctx context.Context

func TestTools(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Tools")
}

func testRegistry() *Registry {
	echo := func(_ context.Context, call *Call) (any, error) {
		return call.Arguments, nil
	}
	return newRegistry([]Tool{
		{ID: "zeta", Name: "Zeta", Category: CategoryCamera, handler: echo},
		{ID: "alpha", Name: "Alpha", Category: CategoryCamera, handler: echo},
		{ID: ToolSpawnAgent, Name: "Spawn agent", Category: CategoryMeta, handler: echo},
	})
}

var _ = Describe("Registry", func() {
	It("should list tools in stable id order", func() {
		registry := testRegistry()
		ids := []string{}
		for _, tool := range registry.List() {
			ids = append(ids, tool.ID)
		}
		Expect(ids).To(Equal([]string{"alpha", "spawn_agent", "zeta"}))
	})
	It("should reject duplicate registrations", func() {
		Expect(func() {
			newRegistry([]Tool{{ID: "dup"}, {ID: "dup"}})
		}).To(Panic())
	})
	It("should report the first unknown id", func() {
		registry := testRegistry()
		offender, ok := registry.Known([]string{"alpha", "ghost", "zeta"})
		Expect(ok).To(BeFalse())
		Expect(offender).To(Equal("ghost"))
		_, ok = registry.Known([]string{"alpha", "zeta"})
		Expect(ok).To(BeTrue())
	})
	It("should return NotFound when executing an unknown tool", func() {
		registry := testRegistry()
		_, err := registry.Execute(ctx, "ghost", &Call{})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should default nil arguments to an empty map", func() {
		registry := testRegistry()
		result, err := registry.Execute(ctx, "alpha", &Call{})
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(Equal(map[string]any{}))
	})
})

var _ = Describe("InheritableTools", func() {
	It("should strip every meta tool from an inherited grant", func() {
		granted := []string{"list_cameras", ToolSpawnAgent, "start_recording", ToolDelegateTask, ToolCreateCronJob}
		Expect(InheritableTools(granted)).To(Equal([]string{"list_cameras", "start_recording"}))
	})
	It("should pass domain grants through untouched", func() {
		granted := []string{"list_cameras", "get_camera"}
		Expect(InheritableTools(granted)).To(Equal(granted))
	})
	It("should keep an empty grant empty", func() {
		Expect(InheritableTools(nil)).To(BeEmpty())
	})
})

var _ = Describe("Arguments", func() {
	It("should require string arguments to be present and non-empty", func() {
		call := &Call{Arguments: map[string]any{"camera_id": ""}}
		_, err := stringArg(call, "camera_id")
		Expect(errors.IsValidation(err)).To(BeTrue())
		_, err = stringArg(&Call{Arguments: map[string]any{}}, "camera_id")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should coerce JSON numbers into ints", func() {
		call := &Call{Arguments: map[string]any{"limit": float64(7)}}
		Expect(optionalIntArg(call, "limit", 20)).To(Equal(7))
		Expect(optionalIntArg(&Call{Arguments: map[string]any{}}, "limit", 20)).To(Equal(20))
	})
	It("should fall back for missing optional booleans", func() {
		Expect(optionalBoolArg(&Call{Arguments: map[string]any{}}, "cleanup", true)).To(BeTrue())
		Expect(optionalBoolArg(&Call{Arguments: map[string]any{"cleanup": false}}, "cleanup", true)).To(BeFalse())
	})
})
