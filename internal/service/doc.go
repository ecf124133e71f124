// Package service builds job bodies from a plan and feeds them to the
// background engine.
//
// A Task owns the resources of one plan entry (an output file, an os.Root,
// an external command) and hands them to the engine on Submit. From then on
// the engine releases them through the job's Cleanup, exactly once, however
// the job ends.
//
//	Supervisor -- plan entry --> Task --Submit--> background.Engine
//	     ^                                              |
//	     |                                      worker: Run(task, job)
//	     +------------- done(err) <------- registry: Cleanup(task)
//
// The Supervisor submits every plan entry once, re-submits scheduled entries
// (gocron) and, in oneshot mode, returns when all submitted jobs are done.
package service
