package postproc

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nzbget/nzbget-sub003/queue"
)

func TestPostproc(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "postproc suite")
}

// stageSequenceFor visits NextStage to completion for one toggle
// combination and returns the list of non-finished stages actually
// entered, in order.
func stageSequenceFor(cfg Config, out JobOutcome) []queue.PostStage {
	var visited []queue.PostStage
	stage := queue.StageQueued
	for {
		next := NextStage(stage, cfg, out)
		if next == queue.StageFinished {
			return visited
		}
		visited = append(visited, next)
		stage = next
	}
}

var _ = Describe("PPP stage sequencing", func() {
	DescribeTable("visits stages in the §4.8 order for every toggle combination",
		func(parOn, unpackOn, cleanupOn, moveOn bool) {
			cfg := Config{
				ParCheckEnabled: parOn,
				UnpackEnabled:   unpackOn,
				CleanupEnabled:  cleanupOn,
				MoveInterStage:  moveOn,
				ScriptsEnabled:  false,
				HealthCritical:  0,
			}
			visited := stageSequenceFor(cfg, JobOutcome{ParRepairRequired: false})

			if parOn {
				Expect(visited).To(ContainElement(queue.StageLoadingPars))
				Expect(visited).To(ContainElement(queue.StageVerifyingSources))
			} else {
				Expect(visited).NotTo(ContainElement(queue.StageLoadingPars))
			}
			if unpackOn {
				Expect(visited).To(ContainElement(queue.StageUnpacking))
			} else {
				Expect(visited).NotTo(ContainElement(queue.StageUnpacking))
			}
			if cleanupOn {
				Expect(visited).To(ContainElement(queue.StageCleaningUp))
			} else {
				Expect(visited).NotTo(ContainElement(queue.StageCleaningUp))
			}
			if moveOn {
				Expect(visited).To(ContainElement(queue.StageMoving))
			} else {
				Expect(visited).NotTo(ContainElement(queue.StageMoving))
			}

			// Relative ordering must hold whenever stages are present.
			idx := make(map[queue.PostStage]int, len(visited))
			for i, s := range visited {
				idx[s] = i
			}
			if parOn && unpackOn {
				Expect(idx[queue.StageVerifyingSources]).To(BeNumerically("<", idx[queue.StageUnpacking]))
			}
			if unpackOn && cleanupOn {
				Expect(idx[queue.StageUnpacking]).To(BeNumerically("<", idx[queue.StageCleaningUp]))
			}
			if cleanupOn && moveOn {
				Expect(idx[queue.StageCleaningUp]).To(BeNumerically("<", idx[queue.StageMoving]))
			}
		},
		Entry("all off", false, false, false, false),
		Entry("par only", true, false, false, false),
		Entry("unpack only", false, true, false, false),
		Entry("cleanup only", false, false, true, false),
		Entry("move only", false, false, false, true),
		Entry("all on", true, true, true, true),
		Entry("par+unpack", true, true, false, false),
		Entry("unpack+cleanup+move", false, true, true, true),
	)

	It("skips unpack when par repair was required but failed", func() {
		cfg := Config{ParCheckEnabled: true, UnpackEnabled: true, HealthCritical: 0}
		visited := stageSequenceFor(cfg, JobOutcome{ParRepairRequired: true, ParRepairFailed: true})
		Expect(visited).NotTo(ContainElement(queue.StageUnpacking))
	})

	It("fails the job outright when health is below critical", func() {
		cfg := Config{ParCheckEnabled: true, HealthCritical: 0.5}
		visited := stageSequenceFor(cfg, JobOutcome{Health: 0.1})
		Expect(visited).NotTo(ContainElement(queue.StageLoadingPars))
	})
})

var _ = Describe("Coordinator concurrency caps", func() {
	It("never exceeds rocket strategy's 6 jobs / 2 par jobs", func() {
		c := NewCoordinator(StrategyRocket)
		jobs := make([]*queue.NzbInfo, 10)
		for i := range jobs {
			jobs[i] = queue.NewJob("job")
		}

		admitted := 0
		admittedPar := 0
		for i, j := range jobs {
			isPar := i%3 == 0
			if c.TryStart(j, isPar, false) {
				admitted++
				if isPar {
					admittedPar++
				}
			}
		}

		Expect(c.Running()).To(Equal(admitted))
		Expect(c.Running()).To(BeNumerically("<=", 6))
		Expect(c.RunningPar()).To(BeNumerically("<=", 2))
		_ = admittedPar
	})

	It("enforces sequential strategy's single-job cap", func() {
		c := NewCoordinator(StrategySequential)
		j1 := queue.NewJob("a")
		j2 := queue.NewJob("b")

		Expect(c.TryStart(j1, false, false)).To(BeTrue())
		Expect(c.TryStart(j2, false, false)).To(BeFalse())
		c.Finish(false)
		Expect(c.TryStart(j2, false, false)).To(BeTrue())
	})
})
