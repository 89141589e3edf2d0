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

	"github.com/falconeye-dev/falcon-eye/pkg/store"
)

func domainTools(deps Deps) []Tool {
	return []Tool{
		{
			ID:          "list_cameras",
			Name:        "List cameras",
			Description: "List all cameras with their live status, protocol and location.",
			Parameters:  schema(nil, map[string]any{}),
			Category:    CategoryCamera,
			handler: func(ctx context.Context, _ *Call) (any, error) {
				return deps.Cameras.List(ctx, store.CameraFilter{})
			},
		},
		{
			ID:          "get_camera",
			Name:        "Get camera",
			Description: "Fetch one camera by its ID, including reconciled status.",
			Parameters: schema([]string{"camera_id"}, map[string]any{
				"camera_id": property("string", "UUID of the camera"),
			}),
			Category: CategoryCamera,
			handler: func(ctx context.Context, call *Call) (any, error) {
				id, err := stringArg(call, "camera_id")
				if err != nil {
					return nil, err
				}
				return deps.Cameras.Get(ctx, id)
			},
		},
		{
			ID:          "start_camera",
			Name:        "Start camera",
			Description: "Deploy a stopped camera's capture pod.",
			Parameters: schema([]string{"camera_id"}, map[string]any{
				"camera_id": property("string", "UUID of the camera"),
			}),
			Category: CategoryCamera,
			handler: func(ctx context.Context, call *Call) (any, error) {
				id, err := stringArg(call, "camera_id")
				if err != nil {
					return nil, err
				}
				return deps.Cameras.Start(ctx, id)
			},
		},
		{
			ID:          "stop_camera",
			Name:        "Stop camera",
			Description: "Tear down a camera's capture pod without deleting the camera.",
			Parameters: schema([]string{"camera_id"}, map[string]any{
				"camera_id": property("string", "UUID of the camera"),
			}),
			Category: CategoryCamera,
			handler: func(ctx context.Context, call *Call) (any, error) {
				id, err := stringArg(call, "camera_id")
				if err != nil {
					return nil, err
				}
				return deps.Cameras.Stop(ctx, id)
			},
		},
		{
			ID:          "start_recording",
			Name:        "Start recording",
			Description: "Begin recording a running camera. Fails if a recording is already active.",
			Parameters: schema([]string{"camera_id"}, map[string]any{
				"camera_id": property("string", "UUID of the camera"),
			}),
			Category: CategoryRecording,
			handler: func(ctx context.Context, call *Call) (any, error) {
				id, err := stringArg(call, "camera_id")
				if err != nil {
					return nil, err
				}
				cam, err := deps.Cameras.Get(ctx, id)
				if err != nil {
					return nil, err
				}
				if err := deps.Recorders.Start(ctx, cam); err != nil {
					return nil, err
				}
				return map[string]any{"status": "recording started", "camera_id": cam.ID}, nil
			},
		},
		{
			ID:          "stop_recording",
			Name:        "Stop recording",
			Description: "Stop the camera's active recording and finalize the file.",
			Parameters: schema([]string{"camera_id"}, map[string]any{
				"camera_id": property("string", "UUID of the camera"),
			}),
			Category: CategoryRecording,
			handler: func(ctx context.Context, call *Call) (any, error) {
				id, err := stringArg(call, "camera_id")
				if err != nil {
					return nil, err
				}
				cam, err := deps.Cameras.Get(ctx, id)
				if err != nil {
					return nil, err
				}
				if err := deps.Recorders.Stop(ctx, cam); err != nil {
					return nil, err
				}
				return map[string]any{"status": "recording stopped", "camera_id": cam.ID}, nil
			},
		},
		{
			ID:          "list_recordings",
			Name:        "List recordings",
			Description: "List recordings, optionally filtered to one camera, newest first.",
			Parameters: schema(nil, map[string]any{
				"camera_id": property("string", "Restrict to one camera's recordings"),
				"limit":     property("integer", "Maximum rows to return, default 20"),
			}),
			Category: CategoryRecording,
			handler: func(ctx context.Context, call *Call) (any, error) {
				filter := store.RecordingFilter{Limit: optionalIntArg(call, "limit", 20)}
				if cameraID := optionalStringArg(call, "camera_id"); cameraID != "" {
					filter.CameraID = &cameraID
				}
				return deps.Store.ListRecordings(ctx, filter)
			},
		},
	}
}
