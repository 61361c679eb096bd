package db

import (
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"

	models "github.com/openmri/receptor/db/models"
)

// Helper functions courtesy of the venerable Ben Johnson
// https://medium.com/@benbjohnson/structuring-tests-in-go-46ddee7a25c

// assert fails the test if the condition is false.
func assert(tb testing.TB, condition bool, msg string, v ...interface{}) {
	if !condition {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: "+msg+"\033[39m\n\n", append([]interface{}{filepath.Base(file), line}, v...)...)
		tb.FailNow()
	}
}

// ok fails the test if an err is not nil.
func ok(tb testing.TB, err error) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: unexpected error: %s\033[39m\n\n", filepath.Base(file), line, err.Error())
		tb.FailNow()
	}
}

// equals fails the test if exp is not equal to act.
func equals(tb testing.TB, exp, act interface{}) {
	if !reflect.DeepEqual(exp, act) {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d:\n\n\texp: %#v\n\n\tgot: %#v\033[39m\n\n", filepath.Base(file), line, exp, act)
		tb.FailNow()
	}
}

func testSession(id, project, name, tag string) *models.SessionRecord {
	return &models.SessionRecord{
		ID:         id,
		Project:    project,
		Name:       name,
		Tag:        tag,
		Status:     models.Status_RECEIVING,
		UploadTime: time.Now(),
		LastBuilt:  time.Now(),
	}
}

// TestCreateSessionUniqueness ensures a second create for the same
// (project, name, tag) triple fails with ErrSessionExists.
func TestCreateSessionUniqueness(t *testing.T) {
	adb := NewRDMInMem()

	ok(t, adb.CreateSession(nil, testSession("s1", "P", "N", "T")))

	err := adb.CreateSession(nil, testSession("s2", "P", "N", "T"))
	equals(t, ErrSessionExists, err)

	// Same name under a different tag is a different study upload
	ok(t, adb.CreateSession(nil, testSession("s3", "P", "N", "T2")))
}

// TestCreateSessionRace ensures concurrent creates for the same key produce
// exactly one persisted record.
func TestCreateSessionRace(t *testing.T) {
	adb := NewRDMInMem()

	var wg sync.WaitGroup
	var winsMu sync.Mutex
	wins, losses := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := adb.CreateSession(nil, testSession(fmt.Sprintf("s%d", n), "P", "N", "T"))
			winsMu.Lock()
			defer winsMu.Unlock()
			if err == nil {
				wins++
			} else if err == ErrSessionExists {
				losses++
			}
		}(i)
	}
	wg.Wait()

	equals(t, 1, wins)
	equals(t, 9, losses)

	sessions, err := adb.ListSessions(nil)
	ok(t, err)
	equals(t, 1, len(sessions))

	// The losers can re-read the winner's record by key
	winner, err := adb.GetSessionByKey(nil, "P", "N", "T")
	ok(t, err)
	equals(t, models.Status_RECEIVING, winner.Status)
}

// TestUpdateSessionStatus ensures the compare-and-set transition semantics:
// a transition from an unexpected current state changes nothing and reports
// false rather than erroring.
func TestUpdateSessionStatus(t *testing.T) {
	adb := NewRDMInMem()
	ok(t, adb.CreateSession(nil, testSession("s1", "P", "N", "T")))

	changed, err := adb.UpdateSessionStatus(nil, "s1",
		[]models.SessionStatus{models.Status_RECEIVING}, models.Status_QUEUED_BUILDING)
	ok(t, err)
	equals(t, true, changed)

	// Redelivery: same transition again is a no-op
	changed, err = adb.UpdateSessionStatus(nil, "s1",
		[]models.SessionStatus{models.Status_RECEIVING}, models.Status_QUEUED_BUILDING)
	ok(t, err)
	equals(t, false, changed)

	session, err := adb.GetSession(nil, "s1")
	ok(t, err)
	equals(t, models.Status_QUEUED_BUILDING, session.Status)

	// Unknown session is an error, not a no-op
	_, err = adb.UpdateSessionStatus(nil, "nope",
		[]models.SessionStatus{models.Status_RECEIVING}, models.Status_QUEUED_BUILDING)
	equals(t, ErrSessionNotFound, err)
}

// TestListStaleSessions ensures the sweep query's selection rules: status
// must match and LastBuilt must be older than the threshold.
func TestListStaleSessions(t *testing.T) {
	adb := NewRDMInMem()

	old := testSession("old", "P", "N1", "T")
	old.LastBuilt = time.Now().Add(-10 * time.Minute)
	ok(t, adb.CreateSession(nil, old))

	fresh := testSession("fresh", "P", "N2", "T")
	fresh.LastBuilt = time.Now()
	ok(t, adb.CreateSession(nil, fresh))

	errored := testSession("errored", "P", "N3", "T")
	errored.LastBuilt = time.Now().Add(-10 * time.Minute)
	errored.Status = models.Status_ERROR
	ok(t, adb.CreateSession(nil, errored))

	threshold := time.Now().Add(-5 * time.Minute)
	stale, err := adb.ListStaleSessions(nil, models.Status_RECEIVING, threshold)
	ok(t, err)
	equals(t, 1, len(stale))
	equals(t, "old", stale[0].ID)
}

// TestTouchSession ensures touching resets the staleness clock.
func TestTouchSession(t *testing.T) {
	adb := NewRDMInMem()

	session := testSession("s1", "P", "N", "T")
	session.LastBuilt = time.Now().Add(-10 * time.Minute)
	ok(t, adb.CreateSession(nil, session))

	ok(t, adb.TouchSession(nil, "s1", time.Now()))

	threshold := time.Now().Add(-5 * time.Minute)
	stale, err := adb.ListStaleSessions(nil, models.Status_RECEIVING, threshold)
	ok(t, err)
	equals(t, 0, len(stale))

	equals(t, ErrSessionNotFound, adb.TouchSession(nil, "nope", time.Now()))
}

// TestSetSessionFailure ensures failures land as a persisted ERROR status
// with the captured message.
func TestSetSessionFailure(t *testing.T) {
	adb := NewRDMInMem()
	ok(t, adb.CreateSession(nil, testSession("s1", "P", "N", "T")))

	ok(t, adb.SetSessionFailure(nil, "s1", "no space left on device"))

	session, err := adb.GetSession(nil, "s1")
	ok(t, err)
	equals(t, models.Status_ERROR, session.Status)
	equals(t, "no space left on device", session.FailureMessage)
}

// TestDeleteSession ensures administrative deletion frees the key for
// re-creation.
func TestDeleteSession(t *testing.T) {
	adb := NewRDMInMem()
	ok(t, adb.CreateSession(nil, testSession("s1", "P", "N", "T")))

	ok(t, adb.DeleteSession(nil, "s1"))

	_, err := adb.GetSession(nil, "s1")
	equals(t, ErrSessionNotFound, err)

	ok(t, adb.CreateSession(nil, testSession("s2", "P", "N", "T")))
}

// TestGetSessionReturnsCopy ensures mutating a returned record does not
// reach the store.
func TestGetSessionReturnsCopy(t *testing.T) {
	adb := NewRDMInMem()
	ok(t, adb.CreateSession(nil, testSession("s1", "P", "N", "T")))

	session, err := adb.GetSession(nil, "s1")
	ok(t, err)
	session.Status = models.Status_COMPLETED

	stored, err := adb.GetSession(nil, "s1")
	ok(t, err)
	equals(t, models.Status_RECEIVING, stored.Status)
}
