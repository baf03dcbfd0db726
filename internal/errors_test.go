package internal

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestAssertion(t *testing.T) {
	os.Setenv("LINKPROXY_DEBUG", "1")
	shouldPanic := true
	shouldNotPanic := false

	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldPanic, func() {
		Assert("false panics", false)
	})

	os.Setenv("LINKPROXY_DEBUG", "0")
	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldNotPanic, func() {
		Assert("false does not panic if LINKPROXY_DEBUG is not 1", false)
	})
}

func try(t *testing.T, shouldPanic bool, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		err := recover()
		if err != nil {
			if shouldPanic {
				return
			}
			t.Fatalf("panic: %s", err)
		} else {
			if shouldPanic {
				t.Fatalf("function did not panic")
			}
		}
	}()
	fn()
}

func TestHandlerErrorJSON(t *testing.T) {
	herr := &HandlerError{
		StatusCode: 404,
		Err:        errors.New("session not found"),
	}
	if !strings.Contains(herr.Error(), "404") {
		t.Errorf("Error(): %s", herr.Error())
	}
	body := string(herr.JSON())
	if body != `{"error":"session not found"}` {
		t.Errorf("JSON(): %s", body)
	}
}
