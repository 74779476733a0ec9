package model

import (
	"fmt"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

var modelTestSeq int

func setupModelDB(t *testing.T) *gorm.DB {
	t.Helper()
	modelTestSeq++
	dsn := fmt.Sprintf("file:model_test_%d?mode=memory&cache=shared", modelTestSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         glogger.Default.LogMode(glogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&User{}, &ApiKey{}, &VideoTask{}, &Usage{}))

	prev := DB
	DB = db
	t.Cleanup(func() { DB = prev })
	return db
}

func newTask(shortId, externalId string, userId int) *VideoTask {
	now := time.Now().Unix()
	return &VideoTask{
		ShortId:             shortId,
		ExternalTaskId:      externalId,
		UserId:              userId,
		Model:               "sora-2",
		Status:              VideoTaskStatusSubmitted,
		PollIntervalSeconds: 10,
		NextPollAt:          now,
		MaxPollCount:        360,
		CreatedAt:           now,
		SubmittedAt:         now,
	}
}

func TestCreateVideoTaskDuplicateExternalId(t *testing.T) {
	setupModelDB(t)

	require.NoError(t, CreateVideoTask(newTask("aaa111", "video_ext_1", 1)))
	err := CreateVideoTask(newTask("bbb222", "video_ext_1", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateExternalTask))
}

func TestGetVideoTaskByShortIdScopedToUser(t *testing.T) {
	setupModelDB(t)
	require.NoError(t, CreateVideoTask(newTask("aaa111", "video_ext_1", 1)))

	task, err := GetVideoTaskByShortId("aaa111", 1)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "video_ext_1", task.ExternalTaskId)

	// Another user cannot see the task.
	task, err = GetVideoTaskByShortId("aaa111", 2)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestGetDueVideoTasks(t *testing.T) {
	db := setupModelDB(t)
	now := time.Now()

	due := newTask("due111", "ext-due", 1)
	due.NextPollAt = now.Add(-time.Minute).Unix()
	require.NoError(t, CreateVideoTask(due))

	future := newTask("fut111", "ext-future", 1)
	future.NextPollAt = now.Add(time.Hour).Unix()
	require.NoError(t, CreateVideoTask(future))

	done := newTask("don111", "ext-done", 1)
	done.Status = VideoTaskStatusCompleted
	done.NextPollAt = now.Add(-time.Minute).Unix()
	require.NoError(t, CreateVideoTask(done))

	exhausted := newTask("exh111", "ext-exhausted", 1)
	exhausted.NextPollAt = now.Add(-time.Minute).Unix()
	exhausted.PollCount = 360
	require.NoError(t, CreateVideoTask(exhausted))

	tasks, err := GetDueVideoTasks(db, now, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "due111", tasks[0].ShortId)
}

func TestVideoTaskMergeMetadata(t *testing.T) {
	task := newTask("aaa111", "ext-1", 1)
	require.NoError(t, task.MergeMetadata(map[string]any{"a": 1}))
	require.NoError(t, task.MergeMetadata(map[string]any{"b": "two"}))

	meta, err := task.DecodeMetadata()
	require.NoError(t, err)
	assert.EqualValues(t, 1, meta["a"])
	assert.Equal(t, "two", meta["b"])
}

func TestIsTerminalVideoStatus(t *testing.T) {
	assert.True(t, IsTerminalVideoStatus(VideoTaskStatusCompleted))
	assert.True(t, IsTerminalVideoStatus(VideoTaskStatusFailed))
	assert.True(t, IsTerminalVideoStatus(VideoTaskStatusCancelled))
	assert.False(t, IsTerminalVideoStatus(VideoTaskStatusProcessing))
	assert.False(t, IsTerminalVideoStatus(VideoTaskStatusSubmitted))
}
