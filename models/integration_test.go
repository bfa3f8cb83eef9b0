package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/config"
	"bitbucket.org/mmdatafocus/dailyrecords_backend/models"
)

// Runs the store against MySQL 8 and Redis locks. Requires docker.
func TestRecordStore_MySQLWithRedisLocks(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "dailyrecords_test")

	config.ConnectDatabaseWithRetry()
	if err := config.ConnectRedisWithRetry(ctx); err != nil {
		t.Fatalf("ConnectRedisWithRetry: %v", err)
	}
	db := config.GetDB()
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}

	// Two stores stand in for two service instances sharing Redis.
	lockA := models.NewRedisDateLocker(config.GetRedisLock(), 5*time.Second)
	lockB := models.NewRedisDateLocker(config.GetRedisLock(), 5*time.Second)
	storeA := models.NewRecordStore(db, lockA, nil)
	storeB := models.NewRecordStore(db, lockB, nil)

	date := models.NewDate(2024, 1, 15)
	if _, err := storeA.Create(ctx, workedExample(date), "alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := storeB.Create(ctx, workedExample(date), "bob")
	var dup *models.DuplicateDateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateDateError from the second instance, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := storeA
			if i%2 == 1 {
				store = storeB
			}
			cash := dec(fmt.Sprintf("%d.25", 900+i))
			if _, err := store.Update(ctx, date, &models.RecordPatch{ActualCash: &cash}, fmt.Sprintf("clerk-%d", i)); err != nil {
				t.Errorf("Update %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	history, err := storeA.Audit().QueryByRecord(ctx, date)
	if err != nil {
		t.Fatalf("QueryByRecord: %v", err)
	}
	replayed, exists, err := models.Replay(history)
	if err != nil || !exists {
		t.Fatalf("Replay: exists=%t err=%v", exists, err)
	}
	current, err := storeA.Get(ctx, date)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !models.SameFigures(replayed, &current.DailyRecord) {
		t.Fatalf("replayed state differs from MySQL")
	}
	if current.RecordDate != date {
		t.Fatalf("DATE column drifted: %s", current.RecordDate)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dailyrecords-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dailyrecords-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=dailyrecords_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
