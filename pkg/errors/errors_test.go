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

package errors_test

import (
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors")
}

var _ = Describe("Kinds", func() {
	It("should tag each constructor with its kind", func() {
		Expect(errors.IsValidation(errors.Validation("bad"))).To(BeTrue())
		Expect(errors.IsConflict(errors.Conflict("dup"))).To(BeTrue())
		Expect(errors.IsNotFound(errors.NotFound("missing"))).To(BeTrue())
		Expect(errors.IsCluster(errors.Cluster(fmt.Errorf("api")))).To(BeTrue())
		Expect(errors.IsTransient(errors.Transient("later"))).To(BeTrue())
		Expect(errors.IsFatal(errors.Fatal(fmt.Errorf("boot")))).To(BeTrue())
	})
	It("should survive wrapping", func() {
		wrapped := fmt.Errorf("starting camera, %w", errors.NotFound("camera %q not found", "abc"))
		Expect(errors.IsNotFound(wrapped)).To(BeTrue())
		kind, ok := errors.KindOf(wrapped)
		Expect(ok).To(BeTrue())
		Expect(kind).To(Equal(errors.KindNotFound))
	})
	It("should report no kind for plain errors", func() {
		_, ok := errors.KindOf(fmt.Errorf("plain"))
		Expect(ok).To(BeFalse())
	})
	It("should pass nil through the wrapping constructors", func() {
		Expect(errors.Cluster(nil)).To(BeNil())
		Expect(errors.Fatal(nil)).To(BeNil())
	})
	It("should swallow only NotFound in IgnoreNotFound", func() {
		Expect(errors.IgnoreNotFound(errors.NotFound("gone"))).To(BeNil())
		Expect(errors.IgnoreNotFound(errors.Conflict("busy"))).ToNot(BeNil())
	})
})
