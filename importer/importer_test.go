package importer

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/openmri/receptor/admission"
	config "github.com/openmri/receptor/config"
	"github.com/openmri/receptor/db"
	models "github.com/openmri/receptor/db/models"
	"github.com/openmri/receptor/processors"
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

type chainRecorder struct {
	mu  sync.Mutex
	ran []string
}

func (c *chainRecorder) step(id string, result processors.Result, err error) processors.CustomFunc {
	return func(ctx *processors.TransferContext) (processors.Result, error) {
		c.mu.Lock()
		c.ran = append(c.ran, id)
		c.mu.Unlock()
		return result, err
	}
}

func newTestImporter(t *testing.T, rec *chainRecorder, cfgs []config.ProcessorConfig) *Importer {
	dir, err := ioutil.TempDir("", "receptorimport")
	ok(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.ReceptorConfig{TransientDir: dir}

	registry := processors.NewRegistry()
	ok(t, registry.Register("continue", processors.NewCustomFactory(rec.step("continue", processors.ResultContinue, nil))))
	ok(t, registry.Register("suppress", processors.NewCustomFactory(rec.step("suppress", processors.ResultSuppress, nil))))
	ok(t, registry.Register("fail", processors.NewCustomFactory(rec.step("fail", processors.ResultContinue, errors.New("bad payload")))))
	ok(t, registry.Register("third", processors.NewCustomFactory(rec.step("third", processors.ResultContinue, nil))))

	catalog, err := processors.NewCatalog(cfgs, registry)
	ok(t, err)

	return &Importer{
		Config:  cfg,
		Db:      db.NewRDMInMem(),
		Filter:  admission.NewFilter(cfg.Receiver),
		Catalog: catalog,
	}
}

func testTransfer() Transfer {
	return Transfer{
		DeviceID:   "SCANNER1",
		Port:       11112,
		Project:    "NEURO01",
		Subject:    "sub-01",
		Name:       "scan-442",
		Tag:        "20260901",
		StudyID:    "scan-442",
		ObjectName: "object-0001.dcm",
		Payload:    []byte("imaging data"),
		Metadata:   map[string]string{"Modality": "MR"},
	}
}

// TestImportPersists covers the full happy path: chain completes, payload
// lands in the session's transient directory, record is created RECEIVING.
func TestImportPersists(t *testing.T) {
	rec := &chainRecorder{}
	imp := newTestImporter(t, rec, []config.ProcessorConfig{
		{ID: "p1", Key: "continue", Enabled: true, Priority: 1},
	})

	session, err := imp.Import(testTransfer())
	ok(t, err)
	assert(t, session != nil, "import should return the session record")
	equals(t, models.Status_RECEIVING, session.Status)
	equals(t, "NEURO01", session.Project)
	equals(t, "SCANNER1:11112", session.Source)

	sessionDir := filepath.Join(imp.Config.TransientDir, session.FolderName)
	_, err = os.Stat(filepath.Join(sessionDir, "object-0001.dcm"))
	ok(t, err)
	_, err = os.Stat(filepath.Join(sessionDir, MetadataFile))
	ok(t, err)

	// A second transfer for the same study reuses the record
	second, err := imp.Import(testTransfer())
	ok(t, err)
	equals(t, session.ID, second.ID)

	sessions, err := imp.Db.ListSessions(nil)
	ok(t, err)
	equals(t, 1, len(sessions))
}

// TestImportChainOrdering ensures only accepting steps run, in priority
// order.
func TestImportChainOrdering(t *testing.T) {
	rec := &chainRecorder{}
	imp := newTestImporter(t, rec, []config.ProcessorConfig{
		{ID: "p3", Key: "third", Enabled: true, Priority: 3},
		{ID: "p2", Key: "continue", Enabled: true, Priority: 2, DeviceAllow: []string{"OTHER:104"}},
		{ID: "p1", Key: "continue", Enabled: true, Priority: 1},
	})

	_, err := imp.Import(testTransfer())
	ok(t, err)
	equals(t, []string{"continue", "third"}, rec.ran)
}

// TestImportSuppressHaltsChain ensures Suppress stops downstream steps and
// persists nothing.
func TestImportSuppressHaltsChain(t *testing.T) {
	rec := &chainRecorder{}
	imp := newTestImporter(t, rec, []config.ProcessorConfig{
		{ID: "p1", Key: "suppress", Enabled: true, Priority: 1},
		{ID: "p3", Key: "third", Enabled: true, Priority: 3},
	})

	session, err := imp.Import(testTransfer())
	ok(t, err)
	assert(t, session == nil, "suppressed transfer should not produce a session")
	equals(t, []string{"suppress"}, rec.ran)

	sessions, err := imp.Db.ListSessions(nil)
	ok(t, err)
	equals(t, 0, len(sessions))

	// Nothing promoted out of scratch
	entries, err := ioutil.ReadDir(imp.Config.TransientDir)
	ok(t, err)
	equals(t, 0, len(entries))
}

// TestImportFailureAborts ensures a processor error aborts the import with
// no record and no persisted payload.
func TestImportFailureAborts(t *testing.T) {
	rec := &chainRecorder{}
	imp := newTestImporter(t, rec, []config.ProcessorConfig{
		{ID: "p1", Key: "fail", Enabled: true, Priority: 1},
		{ID: "p3", Key: "third", Enabled: true, Priority: 3},
	})

	_, err := imp.Import(testTransfer())
	assert(t, err != nil, "processor failure should abort the import")
	equals(t, []string{"fail"}, rec.ran)

	sessions, err := imp.Db.ListSessions(nil)
	ok(t, err)
	equals(t, 0, len(sessions))

	entries, err := ioutil.ReadDir(imp.Config.TransientDir)
	ok(t, err)
	equals(t, 0, len(entries))
}

// TestImportCreationRace ensures concurrent imports of the same study
// produce exactly one record and both callers get it.
func TestImportCreationRace(t *testing.T) {
	rec := &chainRecorder{}
	imp := newTestImporter(t, rec, []config.ProcessorConfig{
		{ID: "p1", Key: "continue", Enabled: true, Priority: 1},
	})

	var wg sync.WaitGroup
	results := make([]*models.SessionRecord, 8)
	errs := make([]error, 8)
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			transfer := testTransfer()
			transfer.ObjectName = fmt.Sprintf("object-%04d.dcm", n)
			results[n], errs[n] = imp.Import(transfer)
		}(n)
	}
	wg.Wait()

	for _, err := range errs {
		ok(t, err)
	}

	sessions, err := imp.Db.ListSessions(nil)
	ok(t, err)
	equals(t, 1, len(sessions))

	for _, session := range results {
		assert(t, session != nil, "every caller should receive a record")
		equals(t, results[0].ID, session.ID)
	}
}

// TestAllowListPostureWarning ensures a deployment that enables the
// allow-list gets a startup warning that the bus path does not re-check it.
func TestAllowListPostureWarning(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	rec := &chainRecorder{}
	imp := newTestImporter(t, rec, nil)

	imp.Config.Receiver.AllowListEnabled = true
	imp.logAdmissionPosture()

	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.WarnLevel && strings.Contains(entry.Message, "allow-list") {
			warned = true
		}
	}
	assert(t, warned, "enabled allow-list should log a posture warning")

	hook.Reset()
	imp.Config.Receiver.AllowListEnabled = false
	imp.logAdmissionPosture()
	equals(t, 0, len(hook.AllEntries()))
}

// TestImportRequiresKey ensures transfers without the identifying triple are
// refused.
func TestImportRequiresKey(t *testing.T) {
	rec := &chainRecorder{}
	imp := newTestImporter(t, rec, nil)

	transfer := testTransfer()
	transfer.Tag = ""
	_, err := imp.Import(transfer)
	assert(t, err != nil, "transfer without tag should be refused")
}
