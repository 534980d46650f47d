// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package registry_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/orbitfleet/gateway/registry"
	"github.com/orbitfleet/gateway/storage/memory"
)

func TestRegistry(t *testing.T) {
	Convey("Given a Registry with a memory store", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		store := memory.NewStore()
		reg := registry.New(store, ctx)

		Convey("When upserting an account", func() {
			account, err := reg.UpsertAccount("google|123", "ada@example.com", "Ada")
			So(err, ShouldBeNil)
			So(account.ID, ShouldNotResemble, uuid.Nil)

			Convey("Upserting the same subject again should return the same account", func() {
				again, err := reg.UpsertAccount("google|123", "ada@new.example.com", "Ada L")
				So(err, ShouldBeNil)
				So(again.ID, ShouldResemble, account.ID)
				So(again.Email, ShouldEqual, "ada@new.example.com")
			})

			Convey("When registering a device", func() {
				device, err := reg.Register(account, "pump-1")
				So(err, ShouldBeNil)

				Convey("It should start with unknown connectivity", func() {
					got, err := reg.Get(device.ID)
					So(err, ShouldBeNil)
					So(got.Connectivity, ShouldEqual, registry.Unknown)
					So(got.Owner, ShouldResemble, account.ID)
				})

				Convey("It should appear in the owner's device list", func() {
					devices, err := reg.ListForAccount(account)
					So(err, ShouldBeNil)
					So(devices, ShouldHaveLength, 1)
					So(devices[0].ID, ShouldResemble, device.ID)
				})

				Convey("Another account should not be able to touch it", func() {
					stranger, err := reg.UpsertAccount("google|456", "eve@example.com", "Eve")
					So(err, ShouldBeNil)
					So(reg.Rename(stranger, device.ID, "stolen"), ShouldEqual, registry.ErrNotAuthorized)
					So(reg.Revoke(stranger, device.ID), ShouldEqual, registry.ErrNotAuthorized)
				})

				Convey("When applying a connectivity event", func() {
					seen := time.Now().UTC()
					So(reg.UpdateConnectivity(device.ID, registry.Online, seen), ShouldBeNil)

					got, err := reg.Get(device.ID)
					So(err, ShouldBeNil)
					So(got.Connectivity, ShouldEqual, registry.Online)
					So(got.LastSeen.Equal(seen), ShouldBeTrue)

					Convey("An older event should be discarded without error", func() {
						So(reg.UpdateConnectivity(device.ID, registry.Offline, seen.Add(-time.Minute)), ShouldBeNil)
						got, err := reg.Get(device.ID)
						So(err, ShouldBeNil)
						So(got.Connectivity, ShouldEqual, registry.Online)
						So(got.LastSeen.Equal(seen), ShouldBeTrue)
					})

					Convey("A replay with the same timestamp should be applied idempotently", func() {
						So(reg.UpdateConnectivity(device.ID, registry.Online, seen), ShouldBeNil)
						got, err := reg.Get(device.ID)
						So(err, ShouldBeNil)
						So(got.Connectivity, ShouldEqual, registry.Online)
					})

					Convey("When applying a telemetry event", func() {
						payload := json.RawMessage(`{"temperature":21.5}`)
						reported := seen.Add(time.Second)
						So(reg.UpdateTelemetry(device.ID, payload, reported), ShouldBeNil)

						got, err := reg.Get(device.ID)
						So(err, ShouldBeNil)
						So(got.Telemetry, ShouldNotBeNil)
						So(string(got.Telemetry.Payload), ShouldEqual, string(payload))
						So(got.LastSeen.Equal(reported), ShouldBeTrue)

						Convey("Stale telemetry should be discarded without error", func() {
							So(reg.UpdateTelemetry(device.ID, json.RawMessage(`{"temperature":3}`), seen), ShouldBeNil)
							got, err := reg.Get(device.ID)
							So(err, ShouldBeNil)
							So(string(got.Telemetry.Payload), ShouldEqual, string(payload))
						})
					})
				})

				Convey("When renaming the device", func() {
					So(reg.Rename(account, device.ID, "pump-2"), ShouldBeNil)
					got, err := reg.Get(device.ID)
					So(err, ShouldBeNil)
					So(got.Label, ShouldEqual, "pump-2")
				})

				Convey("When revoking the device", func() {
					So(reg.Revoke(account, device.ID), ShouldBeNil)
					_, err := reg.Get(device.ID)
					So(err, ShouldEqual, registry.ErrDeviceNotFound)
				})
			})
		})

		Convey("When the store is unavailable", func() {
			store.Err = registry.ErrStorageUnavailable
			_, err := reg.Get(uuid.New())
			So(err, ShouldEqual, registry.ErrStorageUnavailable)
		})

		Convey("Getting an unregistered device should fail", func() {
			_, err := reg.Get(uuid.New())
			So(err, ShouldEqual, registry.ErrDeviceNotFound)
		})
	})
}
