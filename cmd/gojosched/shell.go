package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojosched/core/scheduler"
	"github.com/sushant-115/gojosched/core/transaction"
)

// shell executes the interactive commands against one scheduler. Work items
// and callbacks print asynchronously, so every write goes through printf.
type shell struct {
	ctx    context.Context
	sched  *scheduler.Scheduler
	logger *zap.Logger

	outMu sync.Mutex
	out   io.Writer
}

func newShell(ctx context.Context, sched *scheduler.Scheduler, logger *zap.Logger, out io.Writer) *shell {
	return &shell{ctx: ctx, sched: sched, logger: logger.Named("shell"), out: out}
}

func (sh *shell) printf(format string, args ...any) {
	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	fmt.Fprintf(sh.out, format, args...)
}

// exec runs one command. It reports false when the shell should exit.
func (sh *shell) exec(args []string) (keepGoing bool) {
	if len(args) == 0 {
		return true
	}
	// Contract violations surface as panics from the scheduler.
	defer func() {
		if r := recover(); r != nil {
			sh.logger.Warn("Command rejected", zap.Strings("args", args), zap.Any("panic", r))
			sh.printf("Error: %v\n", r)
			keepGoing = true
		}
	}()

	switch strings.ToLower(args[0]) {
	case "admit":
		if len(args) < 4 {
			sh.printf("Error: admit requires <db> <ro|rw> <resource[,resource...]>.\n")
			return true
		}
		sh.admit(args[1], args[2], args[3])
	case "dispatch":
		if len(args) < 4 {
			sh.printf("Error: dispatch requires <db> <txn> <message>.\n")
			return true
		}
		id, ok := sh.parseID(args[2])
		if !ok {
			return true
		}
		msg := strings.Join(args[3:], " ")
		sh.report(sh.sched.Dispatch(sh.ctx, id, args[1], func() {
			sh.printf("[txn %d] %s\n", id, msg)
		}))
	case "sleep":
		if len(args) < 4 {
			sh.printf("Error: sleep requires <db> <txn> <duration>.\n")
			return true
		}
		id, ok := sh.parseID(args[2])
		if !ok {
			return true
		}
		d, err := time.ParseDuration(args[3])
		if err != nil {
			sh.printf("Error: invalid duration %q: %v\n", args[3], err)
			return true
		}
		sh.report(sh.sched.Dispatch(sh.ctx, id, args[1], func() {
			time.Sleep(d)
			sh.printf("[txn %d] slept %s\n", id, d)
		}))
	case "finish":
		if len(args) < 3 {
			sh.printf("Error: finish requires <db> <txn>.\n")
			return true
		}
		id, ok := sh.parseID(args[2])
		if !ok {
			return true
		}
		sh.report(sh.sched.Finish(sh.ctx, id, args[1], transaction.FinishFunc(func() {
			sh.printf("Txn %d finished\n", id)
		})))
	case "wait":
		if len(args) < 2 {
			sh.printf("Error: wait requires <db[,db...]>.\n")
			return true
		}
		dbs := splitList(args[1])
		if len(dbs) == 0 {
			sh.printf("Error: wait requires at least one database.\n")
			return true
		}
		sh.report(sh.sched.WaitForDatabasesDrained(sh.ctx, dbs, func() {
			sh.printf("Databases %s drained\n", strings.Join(dbs, ","))
		}))
	case "status":
		sh.status()
	case "bench":
		sh.bench(args[1:])
	case "help":
		sh.printf("Commands:\n" +
			"  admit <db> <ro|rw> <resource[,resource...]>\n" +
			"  dispatch <db> <txn> <message>\n" +
			"  sleep <db> <txn> <duration>\n" +
			"  finish <db> <txn>\n" +
			"  wait <db[,db...]>\n" +
			"  status\n" +
			"  bench <transactions> [rate/s] [databases] [resources]\n" +
			"  help\n" +
			"  exit / quit\n")
	case "exit", "quit":
		return false
	default:
		sh.printf("Error: Unknown command %q. Type 'help' for a list of commands.\n", args[0])
	}
	return true
}

func (sh *shell) admit(db, modeArg, namesArg string) {
	mode, err := transaction.ParseMode(modeArg)
	if err != nil {
		sh.printf("Error: %v\n", err)
		return
	}
	names := splitList(namesArg)
	if len(names) == 0 {
		sh.printf("Error: admit requires at least one resource.\n")
		return
	}

	id, err := sh.sched.Admit(sh.ctx, db, names, mode)
	if err != nil {
		sh.printf("Error: %v\n", err)
		return
	}
	snap, err := sh.sched.Snapshot(sh.ctx)
	if err != nil {
		sh.printf("Admitted txn %d\n", id)
		return
	}
	info, _ := snap.Transaction(id)
	if len(info.BlockedOn) == 0 {
		sh.printf("Admitted txn %d (%s), running\n", id, mode)
		return
	}
	sh.printf("Admitted txn %d (%s), blocked on %s\n", id, mode, formatIDs(info.BlockedOn))
}

func (sh *shell) status() {
	snap, err := sh.sched.Snapshot(sh.ctx)
	if err != nil {
		sh.printf("Error: %v\n", err)
		return
	}

	dbs := make([]string, 0, len(snap.Databases))
	for db := range snap.Databases {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)

	var b strings.Builder
	fmt.Fprintf(&b, "Scheduler %s: %d database(s), %d waiter(s), last txn %d\n",
		sh.sched.ID(), len(dbs), snap.Waiters, snap.LastID)
	for _, db := range dbs {
		fmt.Fprintf(&b, "  %s\n", db)
		for _, t := range snap.Databases[db] {
			fmt.Fprintf(&b, "    txn %-4d %-9s %-8s items=%-4d resources=%s blockedOn=%s blocking=%s\n",
				t.ID, t.Mode, t.State, t.Executed, strings.Join(t.ResourceNames, ","),
				formatIDs(t.BlockedOn), formatIDs(t.Blocking))
		}
	}
	sh.printf("%s", b.String())
}

func (sh *shell) bench(args []string) {
	cfg := defaultBenchConfig()
	ints := []*int{&cfg.Transactions, nil, &cfg.Databases, &cfg.Resources}
	for i, arg := range args {
		if i >= len(ints) {
			break
		}
		if i == 1 {
			r, err := strconv.ParseFloat(arg, 64)
			if err != nil || r < 0 {
				sh.printf("Error: invalid rate %q\n", arg)
				return
			}
			cfg.Rate = r
			continue
		}
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			sh.printf("Error: invalid count %q\n", arg)
			return
		}
		*ints[i] = n
	}

	sh.printf("Running %d transactions over %d database(s)...\n", cfg.Transactions, cfg.Databases)
	res, err := runBench(sh.ctx, sh.sched, cfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		sh.printf("Error: bench stopped: %v\n", err)
	}
	sh.printf("Admitted %d (%d blocked on admission), finished %d in %s (%.0f txn/s)\n",
		res.Admitted, res.Blocked, res.Finished, res.Elapsed.Round(time.Millisecond), res.Throughput())
}

func (sh *shell) parseID(arg string) (transaction.ID, bool) {
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || n == 0 {
		sh.printf("Error: invalid transaction id %q\n", arg)
		return 0, false
	}
	return transaction.ID(n), true
}

func (sh *shell) report(err error) {
	if err != nil {
		sh.printf("Error: %v\n", err)
	}
}

func splitList(arg string) []string {
	var out []string
	for _, part := range strings.Split(arg, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func formatIDs(ids []transaction.ID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}
