package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStatusClass(t *testing.T) {
	Convey("Statuses map to failure classes", t, func() {
		So(statusClass(http.StatusOK), ShouldEqual, "")
		So(statusClass(http.StatusNoContent), ShouldEqual, "")
		So(statusClass(http.StatusBadRequest), ShouldEqual, "validation")
		So(statusClass(http.StatusMethodNotAllowed), ShouldEqual, "validation")
		So(statusClass(http.StatusNotFound), ShouldEqual, "not_found")
		So(statusClass(http.StatusTooManyRequests), ShouldEqual, "rate_limited")
		So(statusClass(http.StatusServiceUnavailable), ShouldEqual, "unavailable")
		So(statusClass(http.StatusInternalServerError), ShouldEqual, "server_error")
	})
}

func TestInstrument(t *testing.T) {
	Convey("Given an instrumented handler", t, func() {
		var seen int
		h := Instrument("probe", func(w http.ResponseWriter, _ *http.Request) {
			sw, ok := w.(*statusWriter)
			So(ok, ShouldBeTrue)
			w.WriteHeader(http.StatusTeapot)
			seen = sw.status
		})

		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

		Convey("Then the status reaches both the client and the recorder", func() {
			So(rec.Code, ShouldEqual, http.StatusTeapot)
			So(seen, ShouldEqual, http.StatusTeapot)
		})
	})
}
