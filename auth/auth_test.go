// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMemoryStateStore(t *testing.T) {
	Convey("Given a Memory state store", t, func() {
		states := NewMemory()

		Convey("An issued state should be consumable exactly once", func() {
			So(states.SetState("state-1"), ShouldBeNil)
			valid, err := states.ConsumeState("state-1")
			So(err, ShouldBeNil)
			So(valid, ShouldBeTrue)
			valid, err = states.ConsumeState("state-1")
			So(err, ShouldBeNil)
			So(valid, ShouldBeFalse)
		})

		Convey("An unknown state should not be valid", func() {
			valid, err := states.ConsumeState("never-issued")
			So(err, ShouldBeNil)
			So(valid, ShouldBeFalse)
		})

		Convey("An expired state should not be valid", func() {
			states.ttl = -time.Second
			So(states.SetState("state-2"), ShouldBeNil)
			valid, err := states.ConsumeState("state-2")
			So(err, ShouldBeNil)
			So(valid, ShouldBeFalse)
		})
	})
}

func TestTokens(t *testing.T) {
	Convey("Given a Tokens issuer", t, func() {
		tokens := NewTokens([]byte("secret"), time.Hour)
		accountID := uuid.New()

		Convey("An issued token should verify", func() {
			token, err := tokens.Issue(accountID, "ada@example.com", "Ada")
			So(err, ShouldBeNil)

			got, claims, err := tokens.Verify(token)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, accountID)
			So(claims.Email, ShouldEqual, "ada@example.com")
			So(claims.Name, ShouldEqual, "Ada")

			Convey("A token signed with another secret should not", func() {
				_, _, err := NewTokens([]byte("other"), time.Hour).Verify(token)
				So(err, ShouldEqual, ErrInvalidToken)
			})
		})

		Convey("Garbage should not verify", func() {
			_, _, err := tokens.Verify("not-a-token")
			So(err, ShouldEqual, ErrInvalidToken)
		})

		Convey("An expired token should not verify", func() {
			expired := NewTokens([]byte("secret"), time.Nanosecond)
			token, err := expired.Issue(accountID, "ada@example.com", "Ada")
			So(err, ShouldBeNil)
			time.Sleep(10 * time.Millisecond)
			_, _, err = tokens.Verify(token)
			So(err, ShouldEqual, ErrInvalidToken)
		})
	})
}
