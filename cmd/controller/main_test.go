package main

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestController(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "controller cmd Suite")
}

var _ = Describe("run", func() {
	It("exits 1 when --job is not supplied", func() {
		Expect(run([]string{"--root", GinkgoT().TempDir()})).To(Equal(1))
	})

	It("exits 1 on an unknown flag", func() {
		Expect(run([]string{"--nope"})).To(Equal(1))
	})

	It("exits 1 when the job contract does not exist, tolerating a missing --config file", func() {
		Expect(run([]string{"--job", "x.job.json", "--config", "/nonexistent/config.yaml"})).To(Equal(1))
	})
})
