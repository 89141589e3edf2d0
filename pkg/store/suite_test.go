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

package store_test

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/falconeye-dev/falcon-eye/pkg/errors"
	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

var (
	ctx  context.Context
	mock sqlmock.Sqlmock
	db   *store.Store
)

func TestStore(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Store")
}

var _ = BeforeEach(func() {
	raw, m, err := sqlmock.New()
	Expect(err).ToNot(HaveOccurred())
	mock = m
	db = store.NewWithDB(raw, "pgx")
	DeferCleanup(func() { _ = db.Close() })
})

var _ = AfterEach(func() {
	Expect(mock.ExpectationsWereMet()).To(Succeed())
})

var _ = Describe("CreateCamera", func() {
	It("should map a unique violation to Conflict", func() {
		mock.ExpectExec("INSERT INTO cameras").
			WillReturnError(&pgconn.PgError{Code: "23505"})

		err := db.CreateCamera(ctx, &store.Camera{ID: "cam-1", Name: "Office"})
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
})

var _ = Describe("GetCamera", func() {
	It("should map an absent row to NotFound", func() {
		mock.ExpectQuery("SELECT \\* FROM cameras WHERE id").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		_, err := db.GetCamera(ctx, "ghost")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("TransitionCamera", func() {
	It("should CAS the status in one statement", func() {
		mock.ExpectExec("UPDATE cameras SET status").
			WithArgs(store.StatusCreating, sqlmock.AnyArg(), "cam-1", "{stopped,error}").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := db.TransitionCamera(ctx, "cam-1", []store.Status{store.StatusStopped, store.StatusError}, store.StatusCreating)
		Expect(err).ToNot(HaveOccurred())
	})
	It("should surface a lost CAS as Conflict with the current status", func() {
		mock.ExpectExec("UPDATE cameras SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT \\* FROM cameras WHERE id").
			WithArgs("cam-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("cam-1", "running"))

		err := db.TransitionCamera(ctx, "cam-1", []store.Status{store.StatusStopped}, store.StatusCreating)
		Expect(errors.IsConflict(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("running"))
	})
})

var _ = Describe("FindDuplicateCamera", func() {
	It("should match network cameras on host and port regardless of path", func() {
		mock.ExpectQuery("SELECT \\* FROM cameras WHERE protocol != 'usb'").
			WithArgs("cam-2").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "protocol", "source_url"}).
				AddRow("cam-1", "Front Door", "rtsp", "rtsp://10.0.0.8/stream2"))

		dup, err := db.FindDuplicateCamera(ctx, &store.Camera{
			ID:        "cam-2",
			Protocol:  store.ProtocolRTSP,
			SourceURL: lo.ToPtr("rtsp://10.0.0.8:554/stream1"),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(dup).ToNot(BeNil())
		Expect(dup.ID).To(Equal("cam-1"))
	})
	It("should treat the same host on another port as a different camera", func() {
		mock.ExpectQuery("SELECT \\* FROM cameras WHERE protocol != 'usb'").
			WithArgs("cam-2").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "protocol", "source_url"}).
				AddRow("cam-1", "Front Door", "rtsp", "rtsp://10.0.0.8:8554/stream1"))

		dup, err := db.FindDuplicateCamera(ctx, &store.Camera{
			ID:        "cam-2",
			Protocol:  store.ProtocolRTSP,
			SourceURL: lo.ToPtr("rtsp://10.0.0.8:554/stream1"),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(dup).To(BeNil())
	})
})

var _ = Describe("DeleteCamera", func() {
	It("should stop and detach recordings in the same transaction", func() {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE recordings SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE recordings SET camera_deleted").
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec("DELETE FROM cameras").
			WithArgs("cam-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		Expect(db.DeleteCamera(ctx, "cam-1")).To(Succeed())
	})
	It("should roll back when the camera row is gone", func() {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE recordings SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE recordings SET camera_deleted").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("DELETE FROM cameras").
			WithArgs("ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := db.DeleteCamera(ctx, "ghost")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("SetCameraError", func() {
	It("should fail the row and record the message in metadata", func() {
		mock.ExpectExec("UPDATE cameras SET status .* metadata").
			WithArgs(store.StatusError, "stuck creating", sqlmock.AnyArg(), "cam-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(db.SetCameraError(ctx, "cam-1", "stuck creating")).To(Succeed())
	})
})

var _ = Describe("SaveAgentMessage", func() {
	It("should assign an id and insert the turn", func() {
		mock.ExpectExec("INSERT INTO agent_chat_messages").
			WillReturnResult(sqlmock.NewResult(0, 1))

		message := &store.AgentChatMessage{
			AgentID:   "agent-1",
			SessionID: "sess-1",
			Role:      store.RoleUser,
			Content:   "hello",
			Source:    store.SourceAPI,
		}
		Expect(db.SaveAgentMessage(ctx, message)).To(Succeed())
		Expect(message.ID).ToNot(BeEmpty())
		Expect(message.CreatedAt).ToNot(BeZero())
	})
})
