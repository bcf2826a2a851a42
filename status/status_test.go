// Package status persists per-container sync checkpoints and migrator
// cursors under the configured status directory.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package status

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Store", func() {
	const (
		account   = "AUTH_test"
		container = "documents"
		dbID      = "db-1"
		bucket    = "bucket"
	)

	var (
		dir   string
		store *Store
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "status")
		Expect(err).NotTo(HaveOccurred())
		store = NewStore(dir)
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("returns zero for an unknown container", func() {
		Expect(store.LastRow(account, container, dbID, bucket)).To(BeZero())
	})

	It("round-trips a checkpoint", func() {
		Expect(store.SaveLastRow(account, container, dbID, bucket, 42)).To(Succeed())
		Expect(store.LastRow(account, container, dbID, bucket)).To(Equal(int64(42)))
	})

	It("tracks databases independently", func() {
		Expect(store.SaveLastRow(account, container, "db-1", bucket, 10)).To(Succeed())
		Expect(store.SaveLastRow(account, container, "db-2", bucket, 20)).To(Succeed())
		Expect(store.LastRow(account, container, "db-1", bucket)).To(Equal(int64(10)))
		Expect(store.LastRow(account, container, "db-2", bucket)).To(Equal(int64(20)))
	})

	It("restarts from zero when the bucket changes", func() {
		Expect(store.SaveLastRow(account, container, dbID, bucket, 42)).To(Succeed())
		Expect(store.LastRow(account, container, dbID, "elsewhere")).To(BeZero())
	})

	Context("legacy status documents", func() {
		BeforeEach(func() {
			path := filepath.Join(dir, account, container)
			Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
			Expect(os.WriteFile(path, []byte(`{"last_row": 7}`), 0o644)).To(Succeed())
		})

		It("accepts the bare form on read", func() {
			Expect(store.LastRow(account, container, dbID, bucket)).To(Equal(int64(7)))
		})

		It("rewrites it keyed by database on the next save", func() {
			Expect(store.SaveLastRow(account, container, dbID, bucket, 8)).To(Succeed())
			data, err := os.ReadFile(filepath.Join(dir, account, container))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(dbID))
			Expect(string(data)).NotTo(MatchRegexp(`^\{"last_row"`))
			Expect(store.LastRow(account, container, dbID, bucket)).To(Equal(int64(8)))
		})
	})

	Describe("migrator cursors", func() {
		It("starts empty", func() {
			cursor, err := store.LoadMigrator(account, container)
			Expect(err).NotTo(HaveOccurred())
			Expect(cursor.Marker).To(BeEmpty())
			Expect(cursor.MovedCount).To(BeZero())
		})

		It("round-trips and keeps a separate key scheme", func() {
			cursor := &MigratorStatus{
				Marker:         "obj-500",
				MovedCount:     12,
				ScannedCount:   100,
				LastFinishedAt: time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC),
			}
			Expect(store.SaveMigrator(account, container, cursor)).To(Succeed())
			Expect(filepath.Join(dir, account, container+".migrator")).To(BeAnExistingFile())

			loaded, err := store.LoadMigrator(account, container)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(cursor))
		})
	})

	Describe("Prune", func() {
		It("removes status of retired mappings only", func() {
			Expect(store.SaveLastRow(account, "keep", dbID, bucket, 1)).To(Succeed())
			Expect(store.SaveLastRow(account, "retired", dbID, bucket, 2)).To(Succeed())
			Expect(store.Prune(func(_, container string) bool {
				return container == "keep"
			})).To(Succeed())
			Expect(filepath.Join(dir, account, "keep")).To(BeAnExistingFile())
			Expect(filepath.Join(dir, account, "retired")).NotTo(BeAnExistingFile())
		})
	})
})
