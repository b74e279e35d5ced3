package main

import (
	"context"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test001_link_limiter(t *testing.T) {

	cv.Convey("the limiter hands out n slots, then blocks until one is released or the context ends", t, func() {
		lim := newLinkLimiter(2)
		ctx := context.Background()
		cv.So(lim.acquire(ctx), cv.ShouldBeTrue)
		cv.So(lim.acquire(ctx), cv.ShouldBeTrue)

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		cv.So(lim.acquire(short), cv.ShouldBeFalse)

		lim.release()
		cv.So(lim.acquire(ctx), cv.ShouldBeTrue)

		none := newLinkLimiter(0)
		cv.So(none, cv.ShouldBeNil)
		cv.So(none.acquire(short), cv.ShouldBeTrue)
		none.release()
	})
}
