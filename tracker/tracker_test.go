// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package tracker

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/orbitfleet/gateway/broker/dummy"
	"github.com/orbitfleet/gateway/middleware/deduplicate"
	"github.com/orbitfleet/gateway/registry"
	"github.com/orbitfleet/gateway/storage/memory"
	"github.com/orbitfleet/gateway/types"
)

type ackRecorder struct {
	mu   sync.Mutex
	acks []*types.AckMessage
}

func (r *ackRecorder) HandleAck(msg *types.AckMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, msg)
}

func (r *ackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acks)
}

func TestTracker(t *testing.T) {
	Convey("Given a new Tracker with a dummy backend", t, func(c C) {

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
		backend := dummy.New(ctx)
		acks := &ackRecorder{}

		account, err := reg.UpsertAccount("google|123", "ada@example.com", "Ada")
		So(err, ShouldBeNil)
		device, err := reg.Register(account, "pump-1")
		So(err, ShouldBeNil)
		deviceID := device.ID.String()

		trk := New(reg, 200*time.Millisecond, ctx)
		trk.AddBackend(backend)
		trk.Use(deduplicate.NewDeduplicate())
		trk.SetAckHandler(acks)

		trk.Start()
		defer trk.Stop()
		time.Sleep(20 * time.Millisecond)

		Convey("When the device connects", func() {
			So(backend.PublishConnect(&types.ConnectMessage{DeviceID: deviceID, Time: time.Now().UTC()}), ShouldBeNil)
			time.Sleep(50 * time.Millisecond)

			Convey("It should be online with an active session", func() {
				got, err := reg.Get(device.ID)
				So(err, ShouldBeNil)
				So(got.Connectivity, ShouldEqual, registry.Online)
				_, ok := trk.Session(deviceID)
				So(ok, ShouldBeTrue)
			})

			Convey("A second connect should be harmless", func() {
				So(backend.PublishConnect(&types.ConnectMessage{DeviceID: deviceID, Time: time.Now().UTC()}), ShouldBeNil)
				time.Sleep(50 * time.Millisecond)
				got, err := reg.Get(device.ID)
				So(err, ShouldBeNil)
				So(got.Connectivity, ShouldEqual, registry.Online)
			})

			Convey("When the device reports telemetry", func() {
				live, cancelLive := trk.SubscribeLive(deviceID)
				defer cancelLive()

				payload := json.RawMessage(`{"temperature":21.5}`)
				So(backend.PublishTelemetry(&types.TelemetryMessage{
					DeviceID: deviceID, Time: time.Now().UTC(), Payload: payload,
				}), ShouldBeNil)
				time.Sleep(50 * time.Millisecond)

				Convey("The snapshot should be stored", func() {
					got, err := reg.Get(device.ID)
					So(err, ShouldBeNil)
					So(got.Telemetry, ShouldNotBeNil)
					So(string(got.Telemetry.Payload), ShouldEqual, string(payload))
				})

				Convey("Live subscribers should receive it", func() {
					select {
					case msg := <-live:
						So(msg.DeviceID, ShouldEqual, deviceID)
					case <-time.After(time.Second):
						So("no live telemetry", ShouldBeNil)
					}
				})

				Convey("An exact replay should be dropped by the deduplicator", func() {
					msg := &types.TelemetryMessage{DeviceID: deviceID, Payload: payload}
					<-live
					So(backend.PublishTelemetry(msg), ShouldBeNil)
					So(backend.PublishTelemetry(msg), ShouldBeNil)
					time.Sleep(50 * time.Millisecond)
					So(len(live), ShouldEqual, 1)
				})
			})

			Convey("When the device acknowledges a command", func() {
				So(backend.PublishAck(&types.AckMessage{
					CommandID: "11111111-1111-1111-1111-111111111111",
					DeviceID:  deviceID,
					Time:      time.Now().UTC(),
				}), ShouldBeNil)
				time.Sleep(50 * time.Millisecond)

				Convey("The ack handler should receive it", func() {
					So(acks.count(), ShouldEqual, 1)
				})
			})

			Convey("When the device disconnects", func() {
				So(backend.PublishDisconnect(&types.DisconnectMessage{DeviceID: deviceID, Time: time.Now().UTC()}), ShouldBeNil)
				time.Sleep(50 * time.Millisecond)

				Convey("It should be offline without a session", func() {
					got, err := reg.Get(device.ID)
					So(err, ShouldBeNil)
					So(got.Connectivity, ShouldEqual, registry.Offline)
					_, ok := trk.Session(deviceID)
					So(ok, ShouldBeFalse)
				})
			})

			Convey("When the device goes silent past the heartbeat timeout", func() {
				time.Sleep(400 * time.Millisecond)

				Convey("It should be offline", func() {
					got, err := reg.Get(device.ID)
					So(err, ShouldBeNil)
					So(got.Connectivity, ShouldEqual, registry.Offline)
				})

				Convey("Later telemetry should bring it back online", func() {
					So(backend.PublishTelemetry(&types.TelemetryMessage{
						DeviceID: deviceID, Time: time.Now().UTC(), Payload: json.RawMessage(`{}`),
					}), ShouldBeNil)
					time.Sleep(50 * time.Millisecond)
					got, err := reg.Get(device.ID)
					So(err, ShouldBeNil)
					So(got.Connectivity, ShouldEqual, registry.Online)
				})
			})
		})

		Convey("Telemetry without a prior connect should still mark the device online", func() {
			So(backend.PublishTelemetry(&types.TelemetryMessage{
				DeviceID: deviceID, Time: time.Now().UTC(), Payload: json.RawMessage(`{"boot":1}`),
			}), ShouldBeNil)
			time.Sleep(50 * time.Millisecond)
			got, err := reg.Get(device.ID)
			So(err, ShouldBeNil)
			So(got.Connectivity, ShouldEqual, registry.Online)
		})

		Convey("When the device is evicted", func() {
			So(backend.PublishConnect(&types.ConnectMessage{DeviceID: deviceID, Time: time.Now().UTC()}), ShouldBeNil)
			time.Sleep(50 * time.Millisecond)
			trk.EvictDevice(deviceID)

			Convey("Its session should be gone", func() {
				_, ok := trk.Session(deviceID)
				So(ok, ShouldBeFalse)
			})
		})
	})
}

func TestForwarderShutdown(t *testing.T) {
	Convey("Given an unstarted Tracker with a dummy backend", t, func(c C) {

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
		backend := dummy.New(ctx)

		trk := New(reg, time.Minute, ctx)
		trk.AddBackend(backend)

		Convey("A telemetry forward in flight when the device deactivates should be released", func() {
			done := make(chan struct{})
			finished := make(chan struct{})
			go func() {
				trk.activateBackend(backend, "dev-1", done)
				close(finished)
			}()
			time.Sleep(20 * time.Millisecond)

			// Nothing drains the tracker's channels here, so the forward
			// blocks until the device deactivates.
			So(backend.PublishTelemetry(&types.TelemetryMessage{
				DeviceID: "dev-1",
				Time:     time.Now().UTC(),
				Payload:  json.RawMessage(`{"temperature":21.5}`),
			}), ShouldBeNil)
			time.Sleep(20 * time.Millisecond)

			close(done)
			select {
			case <-finished:
			case <-time.After(time.Second):
				So("device subscriptions still active", ShouldBeNil)
			}
		})

		Convey("A connect forward in flight when the tracker stops should be released", func() {
			finished := make(chan struct{})
			go func() {
				trk.subscribeBackend(backend)
				close(finished)
			}()
			time.Sleep(20 * time.Millisecond)

			So(backend.PublishConnect(&types.ConnectMessage{
				DeviceID: "dev-1",
				Time:     time.Now().UTC(),
			}), ShouldBeNil)
			time.Sleep(20 * time.Millisecond)

			trk.Stop()
			select {
			case <-finished:
			case <-time.After(time.Second):
				So("backend subscription still active", ShouldBeNil)
			}
		})
	})
}
