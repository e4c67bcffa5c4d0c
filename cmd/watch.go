package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/CrowderSoup/boardsync/database"
	"github.com/CrowderSoup/boardsync/realtime"
)

var (
	watchProject  string
	watchBoard    string
	watchUsername string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a board in real time",
	Long:  "Signs in, joins a board and logs every change and presence update other users make",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := log.StandardLogger()
		session := realtime.NewSession(realtime.Config{
			APIURL:    cfg.APIURL,
			SocketURL: cfg.SocketURL,
			Token:     cfg.Token,
			Logger:    logger,
			OnError: func(op string, err error) {
				logger.WithError(err).WithField("op", op).Warn("change rolled back")
			},
		})
		defer session.Close()

		if watchUsername != "" {
			user, err := session.Login(ctx, watchUsername)
			if err != nil {
				return err
			}
			logger.WithField("user_id", user.ID).Info("signed in")
		}
		if session.API().Token() == "" {
			return errors.New("no token: set BOARDSYNC_TOKEN or pass --username")
		}

		follow(session, logger)

		if err := session.Connect(ctx); err != nil {
			// REST keeps working without the channel; changes just won't stream in.
			logger.WithError(err).Warn("real-time channel unavailable")
		}

		projectID := watchProject
		if projectID == "" {
			projects, err := session.API().ListProjects(ctx)
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}
			if len(projects) == 0 {
				return errors.New("no projects to watch")
			}
			projectID = projects[0].ID
		}
		if err := session.OpenProject(ctx, projectID); err != nil {
			return err
		}
		if watchBoard != "" {
			if err := session.JoinBoard(ctx, watchBoard); err != nil {
				return err
			}
		}
		printBoard(session, logger)

		<-ctx.Done()
		return nil
	},
}

// follow logs inbound changes once the session has applied them.
func follow(s *realtime.Session, logger log.FieldLogger) {
	d := s.Dispatcher()
	d.OnConnect(func() { logger.Info("connected") })
	d.OnDisconnect(func() { logger.Warn("disconnected") })

	logTask := func(action string) func(database.Task, realtime.Envelope) {
		return func(t database.Task, env realtime.Envelope) {
			logger.WithFields(log.Fields{"task_id": t.ID, "column": t.ColumnID, "user_id": env.User}).Infof("task %s: %s", action, t.Title)
		}
	}
	d.OnTaskCreated(logTask("created"))
	d.OnTaskUpdated(logTask("updated"))
	d.OnTaskDeleted(func(del realtime.Deleted, env realtime.Envelope) {
		logger.WithFields(log.Fields{"task_id": del.ID, "user_id": env.User}).Info("task deleted")
	})
	d.OnTaskMoved(func(m realtime.MoveEvent, env realtime.Envelope) {
		logger.WithFields(log.Fields{
			"task_id": m.ResolvedTaskID(),
			"from":    m.FromColumnID,
			"to":      m.ToColumnID,
			"user_id": env.User,
		}).Info("task moved")
	})
	d.OnTaskConflict(func(c realtime.Conflict, _ realtime.Envelope) {
		logger.WithField("task_id", c.TaskID).Warn("conflict, server version kept")
	})
	d.OnBoardSync(func(b realtime.BoardSync, _ realtime.Envelope) {
		logger.WithFields(log.Fields{"board_id": b.BoardID, "tasks": len(b.Tasks)}).Info("board synced")
	})
	d.OnCollectionCreated(func(c database.Collection, _ realtime.Envelope) {
		logger.WithField("collection_id", c.ID).Infof("collection created: %s", c.Name)
	})
	d.OnCollectionDeleted(func(del realtime.Deleted, _ realtime.Envelope) {
		logger.WithField("collection_id", del.ID).Info("collection deleted")
	})
	d.OnUserJoined(func(u realtime.ActiveUser, _ realtime.Envelope) {
		logger.WithField("user_id", u.UserID).Infof("%s joined", u.Username)
	})
	d.OnUserLeft(func(u realtime.UserLeft, _ realtime.Envelope) {
		logger.WithField("user_id", u.UserID).Info("user left")
	})
	d.OnUserTyping(func(u realtime.TypingUser, _ realtime.Envelope) {
		logger.WithFields(log.Fields{"user_id": u.UserID, "task_id": u.TaskID}).Debugf("%s is typing", u.Username)
	})
}

func printBoard(s *realtime.Session, logger log.FieldLogger) {
	board := s.Board().Board()
	logger.WithFields(log.Fields{"board_id": board.ID, "project_id": s.ProjectID()}).Infof("watching %s", board.Name)
	for _, col := range s.Board().Columns() {
		logger.WithField("column", col.ID).Infof("%s: %d tasks", col.Name, len(col.TaskIDs))
	}
}

func init() {
	watchCmd.Flags().StringVar(&watchProject, "project", "", "project to open (defaults to the first one)")
	watchCmd.Flags().StringVar(&watchBoard, "board", "", "board to join instead of the project's first board")
	watchCmd.Flags().StringVar(&watchUsername, "username", "", "sign in with this username instead of BOARDSYNC_TOKEN")
	rootCmd.AddCommand(watchCmd)
}
